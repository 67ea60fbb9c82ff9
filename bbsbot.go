// Package bbsbot is the top-level entry point for a BBS chat bot.
//
// Use the Builder to compose an application:
//
//	app, err := bbsbot.NewBuilder().
//	    WithConfig(bbsbot.Config{Engine: engine.Config{Host: "bbs.example.com", Port: 23}}).
//	    WithProvider("chat", chatProvider).
//	    Build()
//	app.Start(ctx)
//
// Missing collaborators (store, bus, dialer, logger) are filled with defaults.
package bbsbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/bbsbot/archive"
	"github.com/jxucoder/bbsbot/channel"
	"github.com/jxucoder/bbsbot/command"
	"github.com/jxucoder/bbsbot/engine"
	"github.com/jxucoder/bbsbot/eventbus"
	"github.com/jxucoder/bbsbot/httpapi"
	"github.com/jxucoder/bbsbot/state"
	"github.com/jxucoder/bbsbot/store"
	"github.com/jxucoder/bbsbot/transport"
)

// Config holds top-level configuration for a bbsbot application.
type Config struct {
	// ServerAddr is the address the HTTP API listens on (default ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (default "~/.bbsbot").
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Engine configures the session engine. Host is required.
	Engine engine.Config

	// DialTimeout bounds the TCP connect (default 15s).
	DialTimeout time.Duration

	// Raw disables CP437 transcoding.
	Raw bool

	// AutoConnect connects to the host as soon as the app starts.
	AutoConnect bool

	// Archive enables the transcript recorder.
	Archive ArchiveConfig
}

// ArchiveConfig configures transcript recording.
type ArchiveConfig struct {
	Enabled     bool
	Dir         string
	RotateAfter time.Duration
	RotateBytes int64
}

// Builder constructs an App.
type Builder struct {
	config   Config
	store    store.Store
	bus      eventbus.Bus
	dialer   transport.Dialer
	registry *command.Registry
	uploader *archive.Uploader
	channels []channel.Channel
	logger   *zap.Logger
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{registry: command.NewRegistry()}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the persistence backend.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithDialer sets how the engine reaches the host.
func (b *Builder) WithDialer(d transport.Dialer) *Builder {
	b.dialer = d
	return b
}

// WithProvider binds a command name to a skill provider.
func (b *Builder) WithProvider(name string, p command.Provider) *Builder {
	b.registry.Register(name, p)
	return b
}

// WithUploader ships finished transcripts. It only takes effect when the
// archive is enabled.
func (b *Builder) WithUploader(u *archive.Uploader) *Builder {
	b.uploader = u
	return b
}

// WithChannel adds a relay that does not need the engine.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	st, err := state.New(b.store)
	if err != nil {
		return nil, fmt.Errorf("loading session state: %w", err)
	}

	eng := engine.New(b.config.Engine, st, b.registry, b.dialer, b.bus, b.logger.Named("engine"))

	return &App{
		config:   b.config,
		store:    b.store,
		engine:   eng,
		handler:  httpapi.New(eng, b.logger.Named("http")),
		uploader: b.uploader,
		channels: append([]channel.Channel(nil), b.channels...),
		log:      b.logger,
	}, nil
}

// App is a running bbsbot application.
type App struct {
	config   Config
	store    store.Store
	engine   *engine.Engine
	handler  *httpapi.Handler
	uploader *archive.Uploader
	channels []channel.Channel
	log      *zap.Logger
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// AddChannel adds a relay built against the engine. Call before Start.
func (a *App) AddChannel(ch channel.Channel) {
	a.channels = append(a.channels, ch)
}

// Start runs the engine, HTTP server, relays and archive until ctx is done
// or the HTTP server fails, then shuts everything down.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)
	defer func() {
		a.engine.Stop()
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing store", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, ch := range a.channels {
		g.Go(func() error {
			a.log.Info("relay started", zap.String("channel", ch.Name()))
			if err := ch.Run(gctx); err != nil {
				a.log.Error("relay stopped", zap.String("channel", ch.Name()), zap.Error(err))
			}
			return nil
		})
	}

	if a.config.Archive.Enabled {
		a.startArchive(gctx, g)
	}

	srv := &http.Server{
		Addr:              a.config.ServerAddr,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.log.Info("bbsbot server listening", zap.String("addr", a.config.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.config.AutoConnect {
		g.Go(func() error {
			if err := a.engine.Connect(gctx); err != nil {
				a.log.Error("initial connect failed", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) startArchive(ctx context.Context, g *errgroup.Group) {
	cfg := a.config.Archive
	var files chan string
	if a.uploader != nil {
		files = make(chan string, 16)
		leftover, err := archive.Pending(cfg.Dir)
		if err != nil {
			a.log.Warn("scanning archive directory", zap.Error(err))
		}
		for _, path := range leftover {
			select {
			case files <- path:
			default:
				a.log.Warn("upload queue full, transcript left on disk", zap.String("file", path))
			}
		}
		g.Go(func() error { return a.uploader.Run(ctx, files) })
	}

	rec := archive.NewRecorder(cfg.Dir, files,
		archive.WithRotateAfter(cfg.RotateAfter),
		archive.WithRotateBytes(cfg.RotateBytes),
		archive.WithRecorderLogger(a.log.Named("archive")),
	)
	g.Go(func() error { return rec.Run(ctx, a.engine.Bus()) })
}
