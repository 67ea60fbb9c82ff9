// Package archive records session events as JSONL transcripts and ships
// finished transcripts to S3.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/eventbus"
	"github.com/jxucoder/bbsbot/model"
)

const timestampLayout = "20060102_150405"

// Recorder appends every bus event to the current transcript file and
// rotates it by age or size. Closed files are handed to a channel, usually
// read by an Uploader.
type Recorder struct {
	dir         string
	rotateAfter time.Duration
	rotateBytes int64
	now         func() time.Time
	log         *zap.Logger
	files       chan<- string

	cur *transcript
}

type transcript struct {
	path      string
	file      *os.File
	writer    *bufio.Writer
	createdAt time.Time
	written   int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRotateAfter sets the maximum age of a transcript file. Default 1h.
func WithRotateAfter(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.rotateAfter = d }
}

// WithRotateBytes sets the maximum size of a transcript file. Default 16MiB.
func WithRotateBytes(n int64) RecorderOption {
	return func(r *Recorder) { r.rotateBytes = n }
}

// WithRecorderClock overrides time.Now.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// NewRecorder creates a Recorder writing into dir. Finished file paths are
// sent to files without blocking; files may be nil.
func NewRecorder(dir string, files chan<- string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		dir:         dir,
		files:       files,
		rotateAfter: time.Hour,
		rotateBytes: 16 << 20,
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run records events from bus until ctx is canceled, then closes the
// current transcript.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	events := bus.Subscribe()
	defer bus.Unsubscribe(events)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return r.Close()
			}
			if err := r.Record(ev); err != nil {
				r.log.Error("recording event", zap.Error(err))
			}
		case <-ticker.C:
			if r.cur != nil && r.now().Sub(r.cur.createdAt) >= r.rotateAfter {
				r.log.Info("rotating transcript", zap.String("file", r.cur.path), zap.String("reason", "age"))
				if err := r.Close(); err != nil {
					r.log.Error("closing transcript", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return r.Close()
		}
	}
}

// Record writes ev as one JSON line, opening or rotating the file as needed.
func (r *Recorder) Record(ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if r.cur == nil {
		if err := r.open(); err != nil {
			return err
		}
	}
	data = append(data, '\n')
	n, err := r.cur.writer.Write(data)
	r.cur.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := r.cur.writer.Flush(); err != nil {
		return fmt.Errorf("flushing transcript: %w", err)
	}
	if r.cur.written >= r.rotateBytes {
		r.log.Info("rotating transcript", zap.String("file", r.cur.path), zap.String("reason", "size"))
		return r.Close()
	}
	return nil
}

// Close finishes the current transcript, if any, and queues it for upload.
// The next Record starts a new file.
func (r *Recorder) Close() error {
	t := r.cur
	if t == nil {
		return nil
	}
	r.cur = nil

	flushErr := t.writer.Flush()
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", t.path, err)
	}
	if flushErr != nil {
		return fmt.Errorf("flushing %s: %w", t.path, flushErr)
	}

	if r.files != nil {
		select {
		case r.files <- t.path:
		default:
			r.log.Warn("upload queue full, transcript left on disk", zap.String("file", t.path))
		}
	}
	return nil
}

func (r *Recorder) open() error {
	now := r.now().UTC()
	name := fmt.Sprintf("transcript_%s_%s.jsonl", now.Format(timestampLayout), uuid.NewString()[:8])
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating transcript: %w", err)
	}
	r.log.Debug("opened transcript", zap.String("file", path))
	r.cur = &transcript{path: path, file: f, writer: bufio.NewWriter(f), createdAt: now}
	return nil
}
