package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/model"
	"github.com/jxucoder/bbsbot/outbound"
)

// PublicChatKey is the history key shared by every public !chat exchange.
const PublicChatKey = "public_chat"

// GreetingPrompt is sent to the chat provider when a member arrives.
const GreetingPrompt = "%s just came into the chatroom, give them a casual greeting directed at them."

// State is the slice of session state the dispatcher reads and records into.
type State interface {
	Roster() model.Roster
	Greeted(user string) bool
	MarkGreeted(user string)
	AppendTurn(turn model.ConversationTurn) error
	History(user string) ([]model.ConversationTurn, error)
	AppendPublic(sender, body string) error
}

// Invocation describes one executed command.
type Invocation struct {
	Command   string
	Argument  string
	Requester string
	Kind      model.Kind
	Reply     string
	Failed    bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver registers fn to be told about every executed command.
func WithObserver(fn func(Invocation)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// WithSelf sets the bot's own handle. Its echoed lines are recorded as
// public history but never dispatched or greeted.
func WithSelf(name string) Option {
	return func(d *Dispatcher) { d.self = name }
}

// WithClock overrides the time source for conversation turns.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher extracts commands from classified messages, runs them, and
// addresses the reply according to how the message arrived.
type Dispatcher struct {
	table   Table
	chat    Provider
	state   State
	log     *zap.Logger
	self    string
	observe func(Invocation)
	now     func() time.Time
}

// NewDispatcher returns a Dispatcher over table. The "chat" provider in reg,
// if any, handles free-form private messages and greetings.
func NewDispatcher(table Table, reg *Registry, state State, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table: table,
		state: state,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	if p, ok := reg.Lookup("chat"); ok {
		d.chat = p
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Table returns the dispatcher's command table.
func (d *Dispatcher) Table() Table { return d.table }

// Dispatch runs the command carried by ev, if any, and returns the reply job.
// It returns nil when nothing should be sent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.MessageEvent, cfg model.SessionConfig) *model.OutboundJob {
	if !ev.Kind.Actionable() {
		return nil
	}
	if ev.Kind == model.KindPublic {
		if err := d.state.AppendPublic(ev.Sender, ev.Body); err != nil {
			d.log.Warn("recording public message", zap.Error(err))
		}
	}
	if d.isSelf(ev.Sender) {
		return nil
	}
	if cfg.NoSpam && ev.Kind != model.KindWhisper && ev.Kind != model.KindPage {
		return nil
	}

	var (
		name     string
		argument string
		p        Provider
	)
	if e, arg, ok := d.table.Match(ev.Body); ok {
		name, argument, p = e.Name, arg, e.Provider
	} else if (ev.Kind == model.KindWhisper || ev.Kind == model.KindDirect) && d.chat != nil {
		name, argument, p = "chat", ev.Body, d.chat
	} else {
		return nil
	}

	historyKey := ev.Sender
	if ev.Kind == model.KindPublic {
		historyKey = PublicChatKey
	}
	cc := d.context(ev.Sender, ev.Kind, ev.Channel, historyKey, name == "chat")
	reply, failed := d.invoke(ctx, name, p, argument, cc)
	d.log.Info("command dispatched",
		zap.String("command", name),
		zap.String("sender", ev.Sender),
		zap.String("kind", string(ev.Kind)),
		zap.Bool("failed", failed),
	)
	if d.observe != nil {
		d.observe(Invocation{Command: name, Argument: argument, Requester: ev.Sender, Kind: ev.Kind, Reply: reply, Failed: failed})
	}

	if name == "chat" && !failed {
		turn := model.ConversationTurn{Username: historyKey, Inbound: argument, Outbound: reply, At: d.now().UTC()}
		if err := d.state.AppendTurn(turn); err != nil {
			d.log.Warn("recording conversation turn", zap.Error(err))
		}
	}
	if reply == "" {
		return nil
	}
	mode, addressee := ReplyMode(ev.Kind, ev.Sender)
	job := outbound.NewJob(mode, addressee, ev.Channel, reply, cfg.LineLimit)
	return &job
}

// Greet asks the chat provider to welcome user, unless greetings are off, the
// user was already present, or the user has been greeted since arriving.
func (d *Dispatcher) Greet(ctx context.Context, user string, present model.Roster, cfg model.SessionConfig) *model.OutboundJob {
	if !cfg.AutoGreeting || d.chat == nil || user == "" || d.isSelf(user) {
		return nil
	}
	if present.Has(user) || d.state.Greeted(user) {
		return nil
	}
	d.state.MarkGreeted(user)

	cc := d.context(user, model.KindDirect, "", user, false)
	reply, failed := d.invoke(ctx, "chat", d.chat, fmt.Sprintf(GreetingPrompt, user), cc)
	if d.observe != nil {
		d.observe(Invocation{Command: "greeting", Requester: user, Kind: model.KindJoin, Reply: reply, Failed: failed})
	}
	if failed || reply == "" {
		return nil
	}
	job := outbound.NewJob(model.ModeDirect, user, "", reply, cfg.LineLimit)
	return &job
}

func (d *Dispatcher) isSelf(sender string) bool {
	return d.self != "" && strings.EqualFold(sender, d.self)
}

func (d *Dispatcher) context(user string, kind model.Kind, channel, historyKey string, withHistory bool) Context {
	cc := Context{
		Requester: user,
		Kind:      kind,
		Channel:   channel,
		Roster:    d.state.Roster().Names(),
	}
	if withHistory {
		h, err := d.state.History(historyKey)
		if err != nil {
			d.log.Warn("loading conversation history", zap.String("key", historyKey), zap.Error(err))
		}
		cc.History = h
	}
	return cc
}

// invoke calls p and turns any error or panic into a chat-safe message.
func (d *Dispatcher) invoke(ctx context.Context, name string, p Provider, argument string, cc Context) (reply string, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("provider panic", zap.String("command", name), zap.Any("panic", r))
			reply = (&ProviderError{Command: name, Err: fmt.Errorf("internal error: %v", r)}).Error()
			failed = true
		}
	}()

	out, err := p.Invoke(ctx, name, argument, cc)
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			pe = &ProviderError{Command: name, Err: err}
		}
		d.log.Warn("provider failed", zap.String("command", name), zap.Error(err))
		return pe.Error(), true
	}
	return out, false
}

// ReplyMode returns how to answer a message of the given kind.
func ReplyMode(kind model.Kind, sender string) (model.Mode, string) {
	switch kind {
	case model.KindWhisper:
		return model.ModeWhisper, sender
	case model.KindPage:
		return model.ModePage, sender
	case model.KindDirect:
		return model.ModeDirect, sender
	}
	return model.ModePublic, ""
}
