// Package state holds the session's mutable domain state: the room roster,
// last-seen times, pending messages, conversation history and public chat
// history. Values are cached in memory and written through to a store.Store.
//
// The session consumer is the only writer. Readers on other goroutines (the
// HTTP API) get copies under a read lock.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/bbsbot/model"
	"github.com/jxucoder/bbsbot/store"
)

const (
	keyRoster   = "roster"
	keyConfig   = "config"
	keyPublic   = "public"
	prefixSeen  = "lastseen/"
	prefixPend  = "pending/"
	prefixTurns = "history/"
)

// PublicLine is one public chat message kept for context.
type PublicLine struct {
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Sighting is the last time a user appeared in a roster snapshot.
type Sighting struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Option configures a State.
type Option func(*State)

// WithHistoryLimit sets how many conversation turns are kept per user.
func WithHistoryLimit(n int) Option {
	return func(s *State) { s.historyLimit = n }
}

// WithPublicLimit sets how many public chat lines are kept.
func WithPublicLimit(n int) Option {
	return func(s *State) { s.publicLimit = n }
}

// WithIDFunc overrides pending message ID generation.
func WithIDFunc(fn func() string) Option {
	return func(s *State) { s.newID = fn }
}

// WithClock overrides the time source used for enqueue and public history stamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// State is the session state. Create one with New.
type State struct {
	st store.Store

	mu       sync.RWMutex
	roster   model.Roster
	lastSeen map[string]Sighting
	greeted  map[string]bool

	historyLimit int
	publicLimit  int
	newID        func() string
	now          func() time.Time
}

// New loads the roster and last-seen map from st.
func New(st store.Store, opts ...Option) (*State, error) {
	s := &State{
		st:           st,
		lastSeen:     make(map[string]Sighting),
		greeted:      make(map[string]bool),
		historyLimit: 5,
		publicLimit:  50,
		newID:        uuid.NewString,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	var names []string
	if err := s.getJSON(keyRoster, &names); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	s.roster = model.NewRoster(names...)

	entries, err := st.QueryPrefix(prefixSeen)
	if err != nil {
		return nil, fmt.Errorf("loading last seen: %w", err)
	}
	for _, e := range entries {
		var sg Sighting
		if err := json.Unmarshal(e.Value, &sg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		s.lastSeen[strings.TrimPrefix(e.Key, prefixSeen)] = sg
	}
	return s, nil
}

// Roster returns the current roster snapshot.
func (s *State) Roster() model.Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster
}

// ReplaceRoster installs r as the roster in full and stamps every member's
// last-seen time with at. It returns the roster it replaced.
//
// Last-seen times never move backwards. Members absent from r keep their
// previous sighting.
func (s *State) ReplaceRoster(r model.Roster, at time.Time) (model.Roster, error) {
	s.mu.Lock()
	prior := s.roster
	s.roster = r
	var changed []string
	for _, name := range r.Names() {
		key := strings.ToLower(name)
		if old, ok := s.lastSeen[key]; ok && !at.After(old.At) {
			continue
		}
		s.lastSeen[key] = Sighting{Name: name, At: at}
		changed = append(changed, key)
	}
	for name := range s.greeted {
		if !r.Has(name) {
			delete(s.greeted, name)
		}
	}
	sightings := make([]Sighting, len(changed))
	for i, key := range changed {
		sightings[i] = s.lastSeen[key]
	}
	s.mu.Unlock()

	var errs []error
	if err := s.putJSON(keyRoster, r.Names()); err != nil {
		errs = append(errs, err)
	}
	for i, key := range changed {
		if err := s.putJSON(prefixSeen+key, sightings[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return prior, errors.Join(errs...)
}

// LastSeen returns when user was last present in a roster snapshot.
func (s *State) LastSeen(user string) (Sighting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.lastSeen[strings.ToLower(strings.TrimSpace(user))]
	return sg, ok
}

// AllLastSeen returns a copy of every recorded sighting keyed by lowercase name.
func (s *State) AllLastSeen() map[string]Sighting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Sighting, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}
	return out
}

// MarkGreeted records that user has been greeted while in the room.
func (s *State) MarkGreeted(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeted[strings.ToLower(user)] = true
}

// Greeted reports whether user was greeted since last entering the room.
func (s *State) Greeted(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.greeted[strings.ToLower(user)]
}

// StorePending leaves a message for recipient.
func (s *State) StorePending(recipient, sender, body string) (model.PendingMessage, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return model.PendingMessage{}, errors.New("recipient is required")
	}
	msg := model.PendingMessage{
		ID:         s.newID(),
		Recipient:  recipient,
		Sender:     sender,
		Body:       body,
		EnqueuedAt: s.now().UTC(),
	}
	key := pendingKey(recipient) + fmt.Sprintf("%020d-%s", msg.EnqueuedAt.UnixNano(), msg.ID)
	if err := s.putJSON(key, msg); err != nil {
		return model.PendingMessage{}, err
	}
	return msg, nil
}

// PendingFor lists the messages waiting for user, oldest first.
func (s *State) PendingFor(user string) ([]model.PendingMessage, error) {
	msgs, _, err := s.pending(user)
	return msgs, err
}

// TakePending removes and returns the messages waiting for user. A message is
// returned only after its entry has been deleted, so each one is handed out
// at most once.
func (s *State) TakePending(user string) ([]model.PendingMessage, error) {
	msgs, keys, err := s.pending(user)
	if err != nil {
		return nil, err
	}
	var (
		taken []model.PendingMessage
		errs  []error
	)
	for i, key := range keys {
		if err := s.st.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("deleting pending %s: %w", msgs[i].ID, err))
			continue
		}
		taken = append(taken, msgs[i])
	}
	return taken, errors.Join(errs...)
}

func (s *State) pending(user string) ([]model.PendingMessage, []string, error) {
	entries, err := s.st.QueryPrefix(pendingKey(user))
	if err != nil {
		return nil, nil, fmt.Errorf("listing pending for %s: %w", user, err)
	}
	msgs := make([]model.PendingMessage, 0, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		var m model.PendingMessage
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		msgs = append(msgs, m)
		keys = append(keys, e.Key)
	}
	return msgs, keys, nil
}

func pendingKey(user string) string {
	return prefixPend + strings.ToLower(strings.TrimSpace(user)) + "/"
}

// AppendTurn adds a conversation turn to the user's history, evicting the
// oldest turns beyond the history limit.
func (s *State) AppendTurn(turn model.ConversationTurn) error {
	key := prefixTurns + strings.ToLower(turn.Username)
	var turns []model.ConversationTurn
	if err := s.getJSON(key, &turns); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading history: %w", err)
	}
	turns = append(turns, turn)
	if over := len(turns) - s.historyLimit; over > 0 {
		turns = turns[over:]
	}
	return s.putJSON(key, turns)
}

// History returns the user's recent conversation turns, oldest first.
func (s *State) History(user string) ([]model.ConversationTurn, error) {
	var turns []model.ConversationTurn
	err := s.getJSON(prefixTurns+strings.ToLower(user), &turns)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return turns, err
}

// AppendPublic records a public chat message.
func (s *State) AppendPublic(sender, body string) error {
	var lines []PublicLine
	if err := s.getJSON(keyPublic, &lines); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading public history: %w", err)
	}
	lines = append(lines, PublicLine{Sender: sender, Body: body, At: s.now().UTC()})
	if over := len(lines) - s.publicLimit; over > 0 {
		lines = lines[over:]
	}
	return s.putJSON(keyPublic, lines)
}

// PublicHistory returns recent public chat, oldest first.
func (s *State) PublicHistory() ([]PublicLine, error) {
	var lines []PublicLine
	err := s.getJSON(keyPublic, &lines)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return lines, err
}

// SaveConfig persists the session toggles.
func (s *State) SaveConfig(cfg model.SessionConfig) error {
	return s.putJSON(keyConfig, cfg)
}

// LoadConfig returns the persisted session toggles, or false if none were saved.
func (s *State) LoadConfig() (model.SessionConfig, bool, error) {
	var cfg model.SessionConfig
	err := s.getJSON(keyConfig, &cfg)
	if errors.Is(err, store.ErrNotFound) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

func (s *State) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.st.Put(key, data)
}

func (s *State) getJSON(key string, v any) error {
	data, err := s.st.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}
