// Package engine runs a chat session against the host: it owns the
// connection lifecycle, turns inbound bytes into classified events, keeps the
// roster current, dispatches commands and writes replies.
//
// One reader goroutine per connection feeds raw chunks into a queue. A single
// consumer goroutine drains that queue and is the only code that mutates
// session state. Requests from other goroutines (timers, the HTTP API) are
// posted onto the consumer as control functions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/classify"
	"github.com/jxucoder/bbsbot/command"
	"github.com/jxucoder/bbsbot/eventbus"
	"github.com/jxucoder/bbsbot/keepalive"
	"github.com/jxucoder/bbsbot/model"
	"github.com/jxucoder/bbsbot/outbound"
	"github.com/jxucoder/bbsbot/roster"
	"github.com/jxucoder/bbsbot/state"
	"github.com/jxucoder/bbsbot/stream"
	"github.com/jxucoder/bbsbot/transport"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStopped          = errors.New("engine stopped")
)

// Config holds engine-specific configuration.
type Config struct {
	Host string
	Port int

	// BotName is the bot's own handle on the host. Lines it sends are
	// echoed back and must not trigger commands or greetings.
	BotName string

	// Session is the initial set of toggles; persisted toggles override it.
	Session model.SessionConfig

	// ReconnectDelay is the pause before the single reconnect that follows a
	// forced log-off (default 5s).
	ReconnectDelay time.Duration

	// QueueSize bounds the reader-to-consumer queue (default 256).
	QueueSize int

	// CommandOrder is the command priority (default command.DefaultOrder).
	CommandOrder []string

	// RosterMaxLines and RosterMaxAge bound the roster fragment buffer.
	RosterMaxLines int
	RosterMaxAge   time.Duration
}

// Status is a point-in-time view of the session.
type Status struct {
	State       model.ConnState     `json:"state"`
	Host        string              `json:"host"`
	Port        int                 `json:"port"`
	ConnectedAt *time.Time          `json:"connected_at,omitempty"`
	Config      model.SessionConfig `json:"config"`
	Roster      []string            `json:"roster"`
	Commands    []string            `json:"commands"`
}

type inbound struct {
	gen  uint64
	data []byte
	err  error
}

// link is everything tied to one connection.
type link struct {
	gen         uint64
	conn        io.ReadWriteCloser
	norm        *stream.Normalizer
	cls         *classify.Classifier
	tracker     *roster.Tracker
	writer      *outbound.Writer
	keepalive   *keepalive.Scheduler
	cancel      context.CancelFunc
	done        chan struct{}
	connectedAt time.Time
}

// Engine orchestrates one chat session.
type Engine struct {
	config     Config
	dialer     transport.Dialer
	state      *state.State
	dispatcher *command.Dispatcher
	bus        eventbus.Bus
	log        *zap.Logger

	cfgMu   sync.RWMutex
	session model.SessionConfig

	mu        sync.RWMutex
	connState model.ConnState
	link      *link
	gen       uint64
	stopped   bool

	inbound chan inbound
	control chan func(ctx context.Context)

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	reconnecting atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine. Built-in commands are registered into reg alongside
// any skill providers it already holds.
func New(cfg Config, st *state.State, reg *command.Registry, dialer transport.Dialer, bus eventbus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandOrder == nil {
		cfg.CommandOrder = command.DefaultOrder
	}
	if cfg.Session == (model.SessionConfig{}) {
		cfg.Session = model.DefaultSessionConfig()
	}

	e := &Engine{
		config:    cfg,
		dialer:    dialer,
		state:     st,
		bus:       bus,
		log:       logger,
		session:   cfg.Session,
		connState: model.StateDisconnected,
		inbound:   make(chan inbound, cfg.QueueSize),
		control:   make(chan func(ctx context.Context), 16),
		timers:    make(map[*time.Timer]struct{}),
		quit:      make(chan struct{}),
	}

	if saved, ok, err := st.LoadConfig(); err != nil {
		logger.Warn("loading saved session config", zap.Error(err))
	} else if ok {
		e.session = saved
	}

	command.RegisterBuiltins(reg, command.Builtins{
		Sightings: st,
		Pending:   st,
		Scheduler: e,
		Replier:   e,
		Public:    st,
		Config:    e,
		Logger:    logger.Named("command"),
	})
	e.dispatcher = command.NewDispatcher(
		command.NewTable(reg, cfg.CommandOrder), reg, st,
		command.WithLogger(logger.Named("command")),
		command.WithSelf(cfg.BotName),
		command.WithObserver(func(inv command.Invocation) {
			data := inv.Reply
			if inv.Failed {
				data = "error: " + inv.Reply
			}
			e.emit(&model.Event{Type: model.EventCommand, Command: inv.Command, Data: data})
		}),
	)
	return e
}

// Start starts the consumer goroutine. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consume(e.ctx)
	}()
}

// Stop disconnects, cancels pending timers and waits for goroutines to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.quit)
		if e.cancel != nil {
			e.cancel()
		}
		e.Disconnect()

		e.timerMu.Lock()
		for t := range e.timers {
			t.Stop()
		}
		e.timers = make(map[*time.Timer]struct{})
		e.timerMu.Unlock()
	})
	e.wg.Wait()
}

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// SessionState returns the session state.
func (e *Engine) SessionState() *state.State { return e.state }

// State returns the connection state.
func (e *Engine) State() model.ConnState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connState
}

// Status returns a snapshot of the session.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{State: e.connState, Host: e.config.Host, Port: e.config.Port}
	if e.link != nil {
		at := e.link.connectedAt
		st.ConnectedAt = &at
	}
	e.mu.RUnlock()
	st.Config = e.Config()
	st.Roster = e.state.Roster().Names()
	st.Commands = e.dispatcher.Table().Names()
	return st
}

// Config returns the current session toggles.
func (e *Engine) Config() model.SessionConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.session
}

// UpdateConfig applies fn to the session toggles, persists the result and
// returns it.
func (e *Engine) UpdateConfig(fn func(*model.SessionConfig)) model.SessionConfig {
	e.cfgMu.Lock()
	fn(&e.session)
	cfg := e.session
	e.cfgMu.Unlock()

	if err := e.state.SaveConfig(cfg); err != nil {
		e.log.Warn("saving session config", zap.Error(err))
	}
	if l := e.current(); l != nil {
		l.writer.SetDelay(cfg.InterChunkDelay)
	}
	e.emit(&model.Event{Type: model.EventStatus, Data: fmt.Sprintf("config updated: mud=%t nospam=%t greeting=%t", cfg.MudMode, cfg.NoSpam, cfg.AutoGreeting)})
	return cfg
}

// Roster returns the current room roster.
func (e *Engine) Roster() model.Roster { return e.state.Roster() }

// LastSeen returns when user was last in the room.
func (e *Engine) LastSeen(user string) (state.Sighting, bool) { return e.state.LastSeen(user) }

// Pending lists messages waiting for user.
func (e *Engine) Pending(user string) ([]model.PendingMessage, error) {
	return e.state.PendingFor(user)
}

// LeaveMessage stores a pending message on the consumer timeline.
func (e *Engine) LeaveMessage(ctx context.Context, recipient, sender, body string) (model.PendingMessage, error) {
	var msg model.PendingMessage
	err := e.do(ctx, func(context.Context) error {
		var err error
		msg, err = e.state.StorePending(recipient, sender, body)
		return err
	})
	return msg, err
}

// Connect dials the host and starts reading.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.connState != model.StateDisconnected {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.connState = model.StateConnecting
	e.mu.Unlock()
	e.emitState(model.StateConnecting)

	conn, err := e.dialer.Dial(ctx, e.config.Host, e.config.Port)
	if err != nil {
		e.setState(model.StateDisconnected)
		e.emitStatus(fmt.Sprintf("connect failed: %v", err))
		return fmt.Errorf("connecting to %s:%d: %w", e.config.Host, e.config.Port, err)
	}

	cfg := e.Config()
	e.mu.Lock()
	if e.stopped {
		e.connState = model.StateDisconnected
		e.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	e.gen++
	gen := e.gen
	writer := outbound.NewWriter(conn, cfg.InterChunkDelay)
	base := e.ctx
	if base == nil {
		base = context.Background()
	}
	readCtx, cancel := context.WithCancel(base)
	l := &link{
		gen:         gen,
		conn:        conn,
		norm:        stream.NewNormalizer(),
		cls:         classify.New(),
		tracker:     roster.NewTracker(e.state, e.rosterOptions()...),
		writer:      writer,
		keepalive:   keepalive.New(writer, cfg.KeepAliveInterval, e.log.Named("keepalive")),
		cancel:      cancel,
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
	}
	e.link = l
	e.connState = model.StateConnected
	e.mu.Unlock()

	e.log.Info("session connected", zap.String("host", e.config.Host), zap.Int("port", e.config.Port), zap.Uint64("gen", gen))
	e.emitState(model.StateConnected)

	l.keepalive.Start(readCtx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(l.done)
		e.read(readCtx, l)
	}()
	return nil
}

// Disconnect closes the current connection, if any.
func (e *Engine) Disconnect() {
	if l := e.current(); l != nil {
		e.teardown(l.gen, "disconnected")
	}
}

// Say sends text to the host, addressed by mode.
func (e *Engine) Say(ctx context.Context, mode model.Mode, to, text string) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.Reply(ctx, mode, to, "", text)
	})
}

// Reply sends text on the current connection. It must run on the consumer
// timeline.
func (e *Engine) Reply(ctx context.Context, mode model.Mode, addressee, channel, text string) error {
	l := e.current()
	if l == nil {
		return ErrNotConnected
	}
	job := outbound.NewJob(mode, addressee, channel, text, e.Config().LineLimit)
	return e.send(ctx, l, &job)
}

// AfterFunc runs fn on the consumer timeline after d. The returned function
// cancels it and reports whether fn was prevented from running.
func (e *Engine) AfterFunc(d time.Duration, fn func(ctx context.Context)) func() bool {
	var (
		cancelled atomic.Bool
		ran       atomic.Bool
		t         *time.Timer
	)
	e.timerMu.Lock()
	t = time.AfterFunc(d, func() {
		e.timerMu.Lock()
		delete(e.timers, t)
		e.timerMu.Unlock()
		e.post(func(ctx context.Context) {
			if cancelled.Load() {
				return
			}
			ran.Store(true)
			fn(ctx)
		})
	})
	e.timers[t] = struct{}{}
	e.timerMu.Unlock()

	return func() bool {
		t.Stop()
		e.timerMu.Lock()
		delete(e.timers, t)
		e.timerMu.Unlock()
		return !ran.Load() && cancelled.CompareAndSwap(false, true)
	}
}

func (e *Engine) rosterOptions() []roster.Option {
	opts := []roster.Option{roster.WithLogger(e.log.Named("roster"))}
	if e.config.RosterMaxLines > 0 {
		opts = append(opts, roster.WithMaxLines(e.config.RosterMaxLines))
	}
	if e.config.RosterMaxAge > 0 {
		opts = append(opts, roster.WithMaxAge(e.config.RosterMaxAge))
	}
	return opts
}

func (e *Engine) current() *link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.link
}

func (e *Engine) currentGen(gen uint64) *link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.link == nil || e.link.gen != gen {
		return nil
	}
	return e.link
}

// read is the only reader of l.conn.
func (e *Engine) read(ctx context.Context, l *link) {
	buf := make([]byte, 4096)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case e.inbound <- inbound{gen: l.gen, data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case e.inbound <- inbound{gen: l.gen, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.inbound:
			e.handleInbound(ctx, item)
		case fn := <-e.control:
			fn(ctx)
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, item inbound) {
	l := e.currentGen(item.gen)
	if l == nil {
		return
	}
	if item.err != nil {
		reason := "connection closed by host"
		if !errors.Is(item.err, io.EOF) {
			reason = fmt.Sprintf("read error: %v", item.err)
		}
		e.teardown(item.gen, reason)
		return
	}
	for _, line := range l.norm.Feed(item.data) {
		if e.currentGen(item.gen) == nil {
			return
		}
		e.handleLine(ctx, l, line)
	}
}

func (e *Engine) handleLine(ctx context.Context, l *link, line model.LogicalLine) {
	ev := l.cls.Classify(line)
	msg := ev
	e.emit(&model.Event{Type: model.EventMessage, Message: &msg})
	cfg := e.Config()

	switch ev.Kind {
	case model.KindRosterFragment:
		l.tracker.OnFragment(line.Clean)

	case model.KindRosterComplete:
		up, err := l.tracker.OnComplete(line.Clean)
		if err != nil {
			e.log.Warn("roster update", zap.Error(err))
		}
		if !up.Roster.Equal(up.Prior) {
			e.emit(&model.Event{Type: model.EventRoster, Roster: up.Roster.Names()})
		}
		for _, user := range up.Added {
			e.sendJob(ctx, l, e.dispatcher.Greet(ctx, user, up.Prior, cfg))
		}
		for _, user := range up.Roster.Names() {
			e.deliverPending(ctx, l, user, cfg)
		}

	case model.KindJoin:
		e.log.Debug("member joined", zap.String("user", ev.Sender))
		e.sendJob(ctx, l, e.dispatcher.Greet(ctx, ev.Sender, e.state.Roster(), cfg))

	case model.KindSystemPrompt:
		switch ev.Prompt {
		case model.PromptForcedLogoff:
			e.log.Info("forced log-off announced, reconnecting")
			e.teardown(l.gen, "forced log-off")
			e.scheduleReconnect()
		case model.PromptMore:
			if err := l.writer.WriteLine(""); err != nil {
				e.log.Debug("answering pager prompt", zap.Error(err))
			}
		}

	default:
		if ev.Kind.Actionable() {
			e.sendJob(ctx, l, e.dispatcher.Dispatch(ctx, ev, cfg))
		}
	}
}

// deliverPending hands every waiting message to user. Entries are removed
// before sending, so a failed send loses the message rather than repeating it.
func (e *Engine) deliverPending(ctx context.Context, l *link, user string, cfg model.SessionConfig) {
	msgs, err := e.state.TakePending(user)
	if err != nil {
		e.log.Warn("taking pending messages", zap.String("user", user), zap.Error(err))
	}
	for _, m := range msgs {
		job := outbound.NewJob(model.ModeDirect, user, "", fmt.Sprintf("Message from %s: %s", m.Sender, m.Body), cfg.LineLimit)
		e.sendJob(ctx, l, &job)
	}
}

func (e *Engine) sendJob(ctx context.Context, l *link, job *model.OutboundJob) {
	if job == nil {
		return
	}
	if err := e.send(ctx, l, job); err != nil {
		e.log.Warn("sending reply", zap.String("mode", string(job.Mode)), zap.Error(err))
	}
}

func (e *Engine) send(ctx context.Context, l *link, job *model.OutboundJob) error {
	lines := outbound.Lines(*job, e.Config().MudMode)
	if len(lines) == 0 {
		return nil
	}
	if err := l.writer.Send(ctx, lines); err != nil {
		return err
	}
	e.emit(&model.Event{Type: model.EventOutbound, Lines: lines})
	return nil
}

// teardown closes the connection of generation gen. Later calls for the same
// generation are no-ops.
func (e *Engine) teardown(gen uint64, reason string) {
	e.mu.Lock()
	l := e.link
	if l == nil || l.gen != gen {
		e.mu.Unlock()
		return
	}
	e.link = nil
	e.connState = model.StateDisconnecting
	e.mu.Unlock()
	e.emitState(model.StateDisconnecting)

	l.keepalive.Stop()
	l.cancel()
	if err := l.conn.Close(); err != nil {
		e.log.Debug("closing connection", zap.Error(err))
	}
	<-l.done
	l.tracker.Reset()

	e.setState(model.StateDisconnected)
	e.log.Info("session disconnected", zap.String("reason", reason), zap.Uint64("gen", gen))
	e.emitStatus(reason)
}

// scheduleReconnect makes one reconnect attempt after ReconnectDelay.
func (e *Engine) scheduleReconnect() {
	if !e.reconnecting.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.reconnecting.Store(false)

		t := time.NewTimer(e.config.ReconnectDelay)
		defer t.Stop()
		select {
		case <-e.quit:
			return
		case <-t.C:
		}
		ctx := e.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := e.Connect(ctx); err != nil {
			e.log.Warn("reconnect failed", zap.Error(err))
		}
	}()
}

// post queues fn for the consumer. It reports false once the engine stops.
func (e *Engine) post(fn func(ctx context.Context)) bool {
	select {
	case e.control <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// do runs fn on the consumer and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	if !e.post(func(c context.Context) { errc <- fn(c) }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	}
}

func (e *Engine) setState(s model.ConnState) {
	e.mu.Lock()
	e.connState = s
	e.mu.Unlock()
	e.emitState(s)
}

func (e *Engine) emitState(s model.ConnState) {
	e.emit(&model.Event{Type: model.EventState, State: s})
}

func (e *Engine) emitStatus(msg string) {
	e.emit(&model.Event{Type: model.EventStatus, Data: msg})
}

func (e *Engine) emit(ev *model.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
