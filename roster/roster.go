// Package roster aggregates multi-line "who is here" announcements into a
// complete room roster.
//
// The host lists the room as a run of address lines ending with a line such
// as "and carol are here with you.". Fragments are buffered until that
// completion line arrives, then the whole run is parsed and replaces the
// roster in one step.
package roster

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/classify"
	"github.com/jxucoder/bbsbot/model"
)

var (
	addressToken = regexp.MustCompile(`([^\s@,]+)@[^\s,]+`)
	trailingAre  = regexp.MustCompile(`and (\S+) are here with you\.`)
	singleIs     = regexp.MustCompile(`(\S+) is here with you\.`)
)

// Replacer installs a new roster and returns the one it replaced.
type Replacer interface {
	ReplaceRoster(r model.Roster, at time.Time) (model.Roster, error)
}

// Update describes a finalised roster snapshot.
type Update struct {
	Roster model.Roster
	Prior  model.Roster
	// Added lists members of Roster absent from Prior.
	Added []string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxLines bounds how many fragments are buffered before the buffer is
// discarded as a stray listing.
func WithMaxLines(n int) Option {
	return func(t *Tracker) { t.maxLines = n }
}

// WithMaxAge bounds how long fragments may wait for a completion line.
func WithMaxAge(d time.Duration) Option {
	return func(t *Tracker) { t.maxAge = d }
}

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker buffers roster fragments for one connection.
//
// A Tracker is not safe for concurrent use; the session consumer owns it.
type Tracker struct {
	state Replacer

	buf     []string
	started time.Time

	maxLines int
	maxAge   time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewTracker returns a Tracker that installs finished rosters into state.
func NewTracker(state Replacer, opts ...Option) *Tracker {
	t := &Tracker{
		state:    state,
		maxLines: 64,
		maxAge:   2 * time.Minute,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnFragment buffers one roster fragment line.
func (t *Tracker) OnFragment(line string) {
	now := t.now()
	t.expire(now)
	if len(t.buf) >= t.maxLines {
		t.log.Warn("roster buffer full, discarding", zap.Int("lines", len(t.buf)))
		t.buf = nil
	}
	if len(t.buf) == 0 {
		t.started = now
	}
	t.buf = append(t.buf, line)
}

// OnComplete finalises the buffered fragments together with the completion
// line, replaces the roster and clears the buffer.
func (t *Tracker) OnComplete(line string) (Update, error) {
	now := t.now()
	t.expire(now)
	lines := append(t.buf, line)
	t.buf = nil

	r := Parse(lines)
	prior, err := t.state.ReplaceRoster(r, now)
	up := Update{Roster: r, Prior: prior, Added: r.Added(prior)}
	if err != nil {
		return up, fmt.Errorf("replacing roster: %w", err)
	}
	return up, nil
}

// Buffered returns the number of fragments waiting for a completion line.
func (t *Tracker) Buffered() int { return len(t.buf) }

// Reset discards any buffered fragments.
func (t *Tracker) Reset() { t.buf = nil }

func (t *Tracker) expire(now time.Time) {
	if len(t.buf) > 0 && t.maxAge > 0 && now.Sub(t.started) > t.maxAge {
		t.log.Debug("roster buffer expired", zap.Int("lines", len(t.buf)), zap.Duration("age", now.Sub(t.started)))
		t.buf = nil
	}
}

// Parse extracts the member list from a complete roster announcement.
func Parse(lines []string) model.Roster {
	joined := strings.Join(lines, " ")
	var names []string
	for _, m := range addressToken.FindAllStringSubmatch(joined, -1) {
		names = append(names, m[1])
	}
	if m := trailingAre.FindStringSubmatch(joined); m != nil {
		names = append(names, cleanName(m[1]))
	}
	if m := singleIs.FindStringSubmatch(joined); m != nil {
		names = append(names, cleanName(m[1]))
	}
	return model.NewRoster(names...)
}

func cleanName(s string) string {
	return classify.StripHost(strings.Trim(s, ",."))
}
