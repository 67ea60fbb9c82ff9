// Package outbound turns reply text into addressed, length-bounded wire lines
// and serializes them onto the connection.
package outbound

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/bbsbot/model"
)

// MudToken is prepended to every line when mud mode is on.
const MudToken = "Gos"

// Chunk splits text into lines of at most limit bytes. Paragraphs (separated
// by "\n") are packed greedily word by word; empty paragraphs are kept as
// empty chunks. A single word longer than limit is emitted on its own line
// unsplit. A limit of zero or less disables wrapping.
func Chunk(text string, limit int) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			chunks = append(chunks, "")
			continue
		}
		if limit <= 0 {
			chunks = append(chunks, strings.Join(words, " "))
			continue
		}
		var line strings.Builder
		for _, w := range words {
			if line.Len() > 0 && line.Len()+1+len(w) > limit {
				chunks = append(chunks, line.String())
				line.Reset()
			}
			if line.Len() > 0 {
				line.WriteByte(' ')
			}
			line.WriteString(w)
		}
		chunks = append(chunks, line.String())
	}
	return chunks
}

// Address prefixes each chunk for the given mode.
func Address(chunks []string, mode model.Mode, addressee string, mudMode bool) []string {
	lines := make([]string, 0, len(chunks))
	for _, c := range chunks {
		var line string
		switch mode {
		case model.ModeWhisper:
			line = fmt.Sprintf("Whisper to %s %s", addressee, c)
		case model.ModePage:
			line = fmt.Sprintf("/P %s %s", addressee, c)
		case model.ModeDirect:
			line = fmt.Sprintf(">%s %s", addressee, c)
		default:
			line = c
		}
		if mudMode {
			if strings.TrimSpace(line) == "" {
				continue
			}
			line = MudToken + " " + line
		}
		lines = append(lines, line)
	}
	return lines
}

// NewJob chunks text into an OutboundJob.
func NewJob(mode model.Mode, addressee, channel, text string, limit int) model.OutboundJob {
	return model.OutboundJob{
		Mode:      mode,
		Addressee: addressee,
		Channel:   channel,
		Chunks:    Chunk(text, limit),
	}
}

// Lines returns the wire lines for job.
func Lines(job model.OutboundJob, mudMode bool) []string {
	return Address(job.Chunks, job.Mode, job.Addressee, mudMode)
}

// Writer is the single write path to the host. Lines of one Send call are
// never interleaved with another Send or WriteLine.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	delay time.Duration
}

// NewWriter returns a Writer that pauses delay between lines of a job.
func NewWriter(w io.Writer, delay time.Duration) *Writer {
	return &Writer{w: w, delay: delay}
}

// SetDelay changes the inter-line delay for subsequent jobs.
func (w *Writer) SetDelay(d time.Duration) {
	w.mu.Lock()
	w.delay = d
	w.mu.Unlock()
}

// Send writes lines in order, each terminated by CRLF.
func (w *Writer) Send(ctx context.Context, lines []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, line := range lines {
		if i > 0 && w.delay > 0 {
			t := time.NewTimer(w.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if _, err := io.WriteString(w.w, line+"\r\n"); err != nil {
			return fmt.Errorf("writing line %d: %w", i, err)
		}
	}
	return nil
}

// WriteLine writes a single line.
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, line+"\r\n")
	return err
}
