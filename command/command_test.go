package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jxucoder/bbsbot/model"
	"github.com/jxucoder/bbsbot/state"
	"github.com/jxucoder/bbsbot/store/memory"
)

type call struct {
	command  string
	argument string
	cc       Context
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	reply string
	err   error
}

func (r *recorder) Invoke(ctx context.Context, command, argument string, cc Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{command, argument, cc})
	return r.reply, r.err
}

func newState(t *testing.T) *state.State {
	t.Helper()
	s, err := state.New(memory.New())
	require.NoError(t, err)
	return s
}

func newDispatcher(t *testing.T, reg *Registry, st State) *Dispatcher {
	t.Helper()
	return NewDispatcher(NewTable(reg, DefaultOrder), reg, st)
}

func event(kind model.Kind, sender, body string) model.MessageEvent {
	return model.MessageEvent{Kind: kind, Sender: sender, Body: body}
}

func TestTableMatchPriority(t *testing.T) {
	reg := NewRegistry()
	reg.Register("weather", &recorder{})
	reg.Register("news", &recorder{})
	reg.Register("seen", &recorder{})
	table := NewTable(reg, DefaultOrder)
	assert.Equal(t, []string{"weather", "news", "seen"}, table.Names())

	e, arg, ok := table.Match("hey !news tech and !weather 10001")
	require.True(t, ok)
	assert.Equal(t, "weather", e.Name)
	assert.Equal(t, "10001", arg)

	_, _, ok = table.Match("!weatherman rocks")
	assert.False(t, ok)

	e, arg, ok = table.Match("!SEEN alice")
	require.True(t, ok)
	assert.Equal(t, "seen", e.Name)
	assert.Equal(t, "alice", arg)

	e, arg, ok = table.Match("!news")
	require.True(t, ok)
	assert.Equal(t, "news", e.Name)
	assert.Equal(t, "", arg)
}

func TestNewTableAppendsUnorderedNames(t *testing.T) {
	reg := NewRegistry()
	reg.Register("zeta", &recorder{})
	reg.Register("!weather", &recorder{})
	assert.Equal(t, []string{"weather", "zeta"}, NewTable(reg, DefaultOrder).Names())
}

func TestDispatchAddressing(t *testing.T) {
	weather := &recorder{reply: "Sunny"}
	reg := NewRegistry()
	reg.Register("weather", weather)
	d := newDispatcher(t, reg, newState(t))
	cfg := model.DefaultSessionConfig()

	cases := []struct {
		ev   model.MessageEvent
		mode model.Mode
		to   string
	}{
		{event(model.KindPublic, "alice", "!weather 10001"), model.ModePublic, ""},
		{event(model.KindWhisper, "bob", "!weather 10001"), model.ModeWhisper, "bob"},
		{model.MessageEvent{Kind: model.KindPage, Sender: "carl", Channel: "Main", Body: "!weather 10001"}, model.ModePage, "carl"},
		{event(model.KindDirect, "dave", "!weather 10001"), model.ModeDirect, "dave"},
	}
	for _, tc := range cases {
		job := d.Dispatch(context.Background(), tc.ev, cfg)
		require.NotNil(t, job, tc.ev.Kind)
		assert.Equal(t, tc.mode, job.Mode)
		assert.Equal(t, tc.to, job.Addressee)
		assert.Equal(t, []string{"Sunny"}, job.Chunks)
	}
	require.Len(t, weather.calls, 4)
	assert.Equal(t, "10001", weather.calls[0].argument)
	assert.Equal(t, "alice", weather.calls[0].cc.Requester)
}

func TestNoSpamGating(t *testing.T) {
	weather := &recorder{reply: "Sunny"}
	reg := NewRegistry()
	reg.Register("weather", weather)
	st := newState(t)
	d := newDispatcher(t, reg, st)
	cfg := model.DefaultSessionConfig()
	cfg.NoSpam = true

	job := d.Dispatch(context.Background(), event(model.KindPublic, "alice", "!weather 10001"), cfg)
	assert.Nil(t, job)
	assert.Empty(t, weather.calls)

	public, err := st.PublicHistory()
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "!weather 10001", public[0].Body)

	job = d.Dispatch(context.Background(), event(model.KindWhisper, "alice", "!weather 10001"), cfg)
	require.NotNil(t, job)
	assert.Equal(t, model.ModeWhisper, job.Mode)

	job = d.Dispatch(context.Background(), event(model.KindDirect, "alice", "!weather 10001"), cfg)
	assert.Nil(t, job)
}

func TestChatFallback(t *testing.T) {
	chat := &recorder{reply: "hello there"}
	reg := NewRegistry()
	reg.Register("chat", chat)
	st := newState(t)
	d := newDispatcher(t, reg, st)
	cfg := model.DefaultSessionConfig()

	job := d.Dispatch(context.Background(), event(model.KindWhisper, "bob", "how are you"), cfg)
	require.NotNil(t, job)
	assert.Equal(t, model.ModeWhisper, job.Mode)
	require.Len(t, chat.calls, 1)
	assert.Equal(t, "how are you", chat.calls[0].argument)

	job = d.Dispatch(context.Background(), event(model.KindDirect, "bob", "and you?"), cfg)
	require.NotNil(t, job)
	require.Len(t, chat.calls, 2)
	require.Len(t, chat.calls[1].cc.History, 1, "previous turn is passed to the chat provider")
	assert.Equal(t, "how are you", chat.calls[1].cc.History[0].Inbound)

	job = d.Dispatch(context.Background(), event(model.KindPublic, "bob", "just chatting"), cfg)
	assert.Nil(t, job)
	job = d.Dispatch(context.Background(), event(model.KindPage, "bob", "just chatting"), cfg)
	assert.Nil(t, job)
	assert.Len(t, chat.calls, 2)

	turns, err := st.History("bob")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestProviderFailureBecomesReply(t *testing.T) {
	reg := NewRegistry()
	reg.Register("weather", &recorder{err: errors.New("upstream 503")})
	reg.Register("news", ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		panic("boom")
	}))
	var seen []Invocation
	d := NewDispatcher(NewTable(reg, DefaultOrder), reg, newState(t), WithObserver(func(inv Invocation) { seen = append(seen, inv) }))
	cfg := model.DefaultSessionConfig()

	job := d.Dispatch(context.Background(), event(model.KindPublic, "alice", "!weather x"), cfg)
	require.NotNil(t, job)
	assert.Equal(t, []string{"weather failed: upstream 503"}, job.Chunks)

	job = d.Dispatch(context.Background(), event(model.KindPublic, "alice", "!news"), cfg)
	require.NotNil(t, job)
	assert.Equal(t, []string{"news failed: internal error: boom"}, job.Chunks)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Failed)
	assert.True(t, seen[1].Failed)
}

func TestNonActionableIgnored(t *testing.T) {
	w := &recorder{reply: "x"}
	reg := NewRegistry()
	reg.Register("weather", w)
	d := newDispatcher(t, reg, newState(t))
	job := d.Dispatch(context.Background(), event(model.KindUnclassified, "", "!weather 1"), model.DefaultSessionConfig())
	assert.Nil(t, job)
	assert.Empty(t, w.calls)
}

func TestGreet(t *testing.T) {
	chat := &recorder{reply: "Hey erin!"}
	reg := NewRegistry()
	reg.Register("chat", chat)
	st := newState(t)
	d := newDispatcher(t, reg, st)
	cfg := model.DefaultSessionConfig()

	job := d.Greet(context.Background(), "erin", model.NewRoster("alice"), cfg)
	require.NotNil(t, job)
	assert.Equal(t, model.ModeDirect, job.Mode)
	assert.Equal(t, "erin", job.Addressee)
	require.Len(t, chat.calls, 1)
	assert.Equal(t, "erin just came into the chatroom, give them a casual greeting directed at them.", chat.calls[0].argument)

	assert.Nil(t, d.Greet(context.Background(), "erin", model.NewRoster("alice"), cfg), "already greeted")
	assert.Nil(t, d.Greet(context.Background(), "alice", model.NewRoster("alice"), cfg), "already present")

	cfg.AutoGreeting = false
	assert.Nil(t, d.Greet(context.Background(), "frank", model.NewRoster(), cfg))
	assert.Len(t, chat.calls, 1)
}

type fakeSightings map[string]state.Sighting

func (f fakeSightings) LastSeen(user string) (state.Sighting, bool) {
	sg, ok := f[user]
	return sg, ok
}

func TestSeenAndWho(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return at.Add(time.Hour + 2*time.Minute + 3*time.Second) }
	seen := Seen(fakeSightings{"alice": {Name: "alice", At: at}}, now)

	out, err := seen.Invoke(context.Background(), "seen", "alice", Context{})
	require.NoError(t, err)
	assert.Contains(t, out, "alice was last seen on ")
	assert.Contains(t, out, "(1 hours, 2 minutes, 3 seconds ago).")

	out, _ = seen.Invoke(context.Background(), "seen", "zed", Context{})
	assert.Equal(t, "zed has not been seen in the chatroom.", out)

	out, _ = Who().Invoke(context.Background(), "who", "", Context{Roster: []string{"alice", "bob"}})
	assert.Equal(t, "Users currently in the chatroom: alice, bob", out)
	out, _ = Who().Invoke(context.Background(), "who", "", Context{})
	assert.Equal(t, "No users currently in the chatroom.", out)
}

func TestMsgStoresPending(t *testing.T) {
	st := newState(t)
	msg := Msg(st)

	out, err := msg.Invoke(context.Background(), "msg", "dave see you at 5", Context{Requester: "amy"})
	require.NoError(t, err)
	assert.Contains(t, out, "Message for dave saved.")

	pending, err := st.PendingFor("dave")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "amy", pending[0].Sender)
	assert.Equal(t, "see you at 5", pending[0].Body)

	out, _ = msg.Invoke(context.Background(), "msg", "dave", Context{Requester: "amy"})
	assert.Equal(t, "Usage: !msg <username> <message>", out)
}

type fakeScheduler struct {
	d  time.Duration
	fn func(ctx context.Context)
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func(ctx context.Context)) func() bool {
	f.d, f.fn = d, fn
	return func() bool { return true }
}

type fakeReplier struct {
	mode      model.Mode
	addressee string
	text      string
	err       error
}

func (f *fakeReplier) Reply(ctx context.Context, mode model.Mode, addressee, channel, text string) error {
	f.mode, f.addressee, f.text = mode, addressee, text
	return f.err
}

func TestTimer(t *testing.T) {
	s := &fakeScheduler{}
	r := &fakeReplier{}
	timer := Timer(s, r, nil)

	out, err := timer.Invoke(context.Background(), "timer", "2 minutes", Context{Requester: "bob", Kind: model.KindWhisper})
	require.NoError(t, err)
	assert.Equal(t, "Timer set for bob for 2 minutes.", out)
	assert.Equal(t, 2*time.Minute, s.d)

	require.NotNil(t, s.fn)
	s.fn(context.Background())
	assert.Equal(t, model.ModeWhisper, r.mode)
	assert.Equal(t, "bob", r.addressee)
	assert.Equal(t, "Timer for bob has ended.", r.text)

	out, _ = timer.Invoke(context.Background(), "timer", "ten hours", Context{Requester: "bob"})
	assert.Contains(t, out, "Invalid timer value or unit.")
}

type fakeConfig struct{ cfg model.SessionConfig }

func (f *fakeConfig) UpdateConfig(fn func(*model.SessionConfig)) model.SessionConfig {
	fn(&f.cfg)
	return f.cfg
}

func TestToggles(t *testing.T) {
	fc := &fakeConfig{cfg: model.DefaultSessionConfig()}
	reg := NewRegistry()
	RegisterBuiltins(reg, Builtins{Config: fc})

	greeting, ok := reg.Lookup("greeting")
	require.True(t, ok)
	out, _ := greeting.Invoke(context.Background(), "greeting", "", Context{})
	assert.Equal(t, "Auto-greeting has been disabled.", out)
	assert.False(t, fc.cfg.AutoGreeting)

	nospam, ok := reg.Lookup("nospam")
	require.True(t, ok)
	out, _ = nospam.Invoke(context.Background(), "nospam", "", Context{})
	assert.Equal(t, "No Spam Mode has been enabled.", out)
	assert.True(t, fc.cfg.NoSpam)

	help, ok := reg.Lookup("help")
	require.True(t, ok)
	out, _ = help.Invoke(context.Background(), "help", "", Context{})
	assert.Equal(t, "Available commands: !help, !who, !greeting, !nospam", out)

	_, ok = reg.Lookup("seen")
	assert.False(t, ok)
}

func TestTimerRejectsOutOfRange(t *testing.T) {
	s := &fakeScheduler{}
	timer := Timer(s, &fakeReplier{}, nil)

	for _, arg := range []string{
		"9999999999 seconds",
		"99999999999999999999 seconds",
		"1441 minutes",
		"86401 seconds",
		"0 minutes",
		"-5 seconds",
	} {
		out, err := timer.Invoke(context.Background(), "timer", arg, Context{Requester: "bob"})
		require.NoError(t, err)
		assert.Contains(t, out, "Invalid timer value or unit.", arg)
	}
	assert.Nil(t, s.fn, "no timer is scheduled for a rejected value")

	out, _ := timer.Invoke(context.Background(), "timer", "1440 minutes", Context{Requester: "bob"})
	assert.Equal(t, "Timer set for bob for 1440 minutes.", out)
	assert.Equal(t, 24*time.Hour, s.d)
}

func TestTimerLogsFailedNotification(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := &fakeScheduler{}
	r := &fakeReplier{err: errors.New("not connected")}
	reg := NewRegistry()
	RegisterBuiltins(reg, Builtins{Scheduler: s, Replier: r, Logger: zap.New(core)})

	timer, ok := reg.Lookup("timer")
	require.True(t, ok)
	_, err := timer.Invoke(context.Background(), "timer", "5 seconds", Context{Requester: "bob", Kind: model.KindPublic})
	require.NoError(t, err)

	require.NotNil(t, s.fn)
	s.fn(context.Background())
	assert.Equal(t, "Timer for bob has ended.", r.text)

	entries := logs.FilterMessage("timer notification failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ContextMap()["user"])
	assert.Equal(t, "not connected", entries[0].ContextMap()["error"])
}

func TestSaid(t *testing.T) {
	st := newState(t)
	reg := NewRegistry()
	RegisterBuiltins(reg, Builtins{Public: st})
	said, ok := reg.Lookup("said")
	require.True(t, ok)

	out, err := said.Invoke(context.Background(), "said", "", Context{})
	require.NoError(t, err)
	assert.Equal(t, "No public messages found.", out)

	for _, l := range []struct{ sender, body string }{
		{"amy", "morning all"},
		{"bob", "hey amy"},
		{"amy", "coffee time"},
		{"carl", "lurking"},
		{"amy", "back"},
	} {
		require.NoError(t, st.AppendPublic(l.sender, l.body))
	}

	out, err = said.Invoke(context.Background(), "said", "", Context{})
	require.NoError(t, err)
	assert.Equal(t, "Last public messages in the chatroom: amy: coffee time | carl: lurking | amy: back", out)

	out, err = said.Invoke(context.Background(), "said", "AMY", Context{})
	require.NoError(t, err)
	assert.Equal(t, "Last public messages from AMY: morning all | coffee time | back", out)

	out, _ = said.Invoke(context.Background(), "said", "dave", Context{})
	assert.Equal(t, "No public messages found for dave.", out)

	out, _ = said.Invoke(context.Background(), "said", "amy bob", Context{})
	assert.Equal(t, "Usage: !said [<username>]", out)

	assert.Contains(t, NewTable(reg, DefaultOrder).Names(), "said")
}

func TestOwnLinesAreNotDispatched(t *testing.T) {
	fc := &fakeConfig{cfg: model.DefaultSessionConfig()}
	chat := &recorder{reply: "hi"}
	reg := NewRegistry()
	reg.Register("chat", chat)
	RegisterBuiltins(reg, Builtins{Config: fc})
	st := newState(t)
	d := NewDispatcher(NewTable(reg, DefaultOrder), reg, st, WithSelf("Ultron"))
	cfg := model.DefaultSessionConfig()

	echo := "Available commands: !help, !who, !greeting, !nospam"
	job := d.Dispatch(context.Background(), event(model.KindPublic, "ULTRON", echo), cfg)
	assert.Nil(t, job)
	assert.False(t, fc.cfg.NoSpam, "echoed help text must not toggle settings")

	job = d.Dispatch(context.Background(), event(model.KindDirect, "ultron", "talking to myself"), cfg)
	assert.Nil(t, job)
	assert.Empty(t, chat.calls)

	lines, err := st.PublicHistory()
	require.NoError(t, err)
	require.Len(t, lines, 1, "own public lines are still recorded")
	assert.Equal(t, echo, lines[0].Body)

	assert.Nil(t, d.Greet(context.Background(), "Ultron", model.Roster{}, cfg))
	assert.False(t, st.Greeted("Ultron"))

	job = d.Dispatch(context.Background(), event(model.KindPublic, "bob", "!nospam"), cfg)
	require.NotNil(t, job)
	assert.True(t, fc.cfg.NoSpam)
}

func TestPublicChatSharesHistory(t *testing.T) {
	chat := &recorder{reply: "sure"}
	reg := NewRegistry()
	reg.Register("chat", chat)
	st := newState(t)
	d := newDispatcher(t, reg, st)
	cfg := model.DefaultSessionConfig()

	require.NotNil(t, d.Dispatch(context.Background(), event(model.KindPublic, "amy", "!chat what's up"), cfg))
	require.NotNil(t, d.Dispatch(context.Background(), event(model.KindPublic, "bob", "!chat anything new?"), cfg))

	require.Len(t, chat.calls, 2)
	assert.Equal(t, "bob", chat.calls[1].cc.Requester)
	require.Len(t, chat.calls[1].cc.History, 1, "bob sees the earlier public exchange")
	assert.Equal(t, "what's up", chat.calls[1].cc.History[0].Inbound)

	shared, err := st.History(PublicChatKey)
	require.NoError(t, err)
	assert.Len(t, shared, 2)
	own, err := st.History("amy")
	require.NoError(t, err)
	assert.Empty(t, own)

	require.NotNil(t, d.Dispatch(context.Background(), event(model.KindWhisper, "amy", "just us"), cfg))
	require.Len(t, chat.calls, 3)
	assert.Empty(t, chat.calls[2].cc.History, "private chat keeps its own history")
}
