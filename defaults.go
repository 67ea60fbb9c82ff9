package bbsbot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/eventbus"
	sqliteStore "github.com/jxucoder/bbsbot/store/sqlite"
	"github.com/jxucoder/bbsbot/transport"
)

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	if b.config.Engine.Host == "" {
		return errors.New("engine host is required")
	}
	if b.config.Engine.Port == 0 {
		b.config.Engine.Port = 23
	}

	// Config defaults.
	if b.config.ServerAddr == "" {
		b.config.ServerAddr = ":7080"
	}
	if b.config.DataDir == "" {
		b.config.DataDir = defaultDataDir()
	}
	if b.config.DatabasePath == "" {
		b.config.DatabasePath = filepath.Join(b.config.DataDir, "bbsbot.db")
	}
	if b.config.DialTimeout == 0 {
		b.config.DialTimeout = 15 * time.Second
	}
	if b.config.Archive.Dir == "" {
		b.config.Archive.Dir = filepath.Join(b.config.DataDir, "transcripts")
	}
	if b.config.Archive.RotateAfter == 0 {
		b.config.Archive.RotateAfter = time.Hour
	}
	if b.config.Archive.RotateBytes == 0 {
		b.config.Archive.RotateBytes = 16 << 20
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	// Event bus.
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	// Transport.
	if b.dialer == nil {
		b.dialer = &transport.Telnet{
			Timeout: b.config.DialTimeout,
			Raw:     b.config.Raw,
			Logger:  b.logger.Named("transport"),
		}
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bbsbot"
	}
	return filepath.Join(home, ".bbsbot")
}
