// Package model defines the core domain types shared across all bbsbot packages.
// It has zero dependencies on other bbsbot packages.
package model

import (
	"sort"
	"strings"
	"time"
)

// LogicalLine is one complete line received from the host, in its raw form
// and with ANSI SGR escapes removed.
type LogicalLine struct {
	Raw   string `json:"raw"`
	Clean string `json:"clean"`
}

// Kind classifies a logical line.
type Kind string

const (
	KindPublic         Kind = "public"
	KindWhisper        Kind = "whisper"
	KindPage           Kind = "page"
	KindDirect         Kind = "direct"
	KindRosterFragment Kind = "roster_fragment"
	KindRosterComplete Kind = "roster_complete"
	KindJoin           Kind = "join"
	KindSystemPrompt   Kind = "system_prompt"
	KindUnclassified   Kind = "unclassified"
)

// Actionable reports whether events of this kind may carry a command.
func (k Kind) Actionable() bool {
	switch k {
	case KindPublic, KindWhisper, KindPage, KindDirect:
		return true
	}
	return false
}

// Prompt names a host system prompt the engine reacts to.
type Prompt string

const (
	// PromptForcedLogoff is the host warning that precedes a forced disconnect.
	PromptForcedLogoff Prompt = "forced_logoff"
	// PromptMore is the pager prompt asking whether to keep listing output.
	PromptMore Prompt = "more"
)

// MessageEvent is a classified logical line.
type MessageEvent struct {
	Kind    Kind        `json:"kind"`
	Sender  string      `json:"sender,omitempty"`
	Channel string      `json:"channel,omitempty"` // page source (module or channel)
	Body    string      `json:"body,omitempty"`
	Prompt  Prompt      `json:"prompt,omitempty"`
	Source  LogicalLine `json:"source"`
}

// Roster is a case-insensitive set of usernames. The first spelling added
// for a name is the one reported by Names.
type Roster struct {
	members map[string]string // lowercased -> display
}

// NewRoster builds a roster from the given names, dropping duplicates and blanks.
func NewRoster(names ...string) Roster {
	r := Roster{members: make(map[string]string, len(names))}
	for _, n := range names {
		r.add(n)
	}
	return r
}

func (r *Roster) add(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if r.members == nil {
		r.members = make(map[string]string)
	}
	key := strings.ToLower(name)
	if _, ok := r.members[key]; !ok {
		r.members[key] = name
	}
}

// Has reports whether name is a member, ignoring case.
func (r Roster) Has(name string) bool {
	_, ok := r.members[strings.ToLower(name)]
	return ok
}

// Len returns the number of members.
func (r Roster) Len() int { return len(r.members) }

// Names returns the member names sorted case-insensitively.
func (r Roster) Names() []string {
	names := make([]string, 0, len(r.members))
	for _, n := range r.members {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// Added returns members of r that are not in prior, sorted.
func (r Roster) Added(prior Roster) []string {
	var added []string
	for _, n := range r.Names() {
		if !prior.Has(n) {
			added = append(added, n)
		}
	}
	return added
}

// Equal reports whether both rosters hold the same members, ignoring case.
func (r Roster) Equal(other Roster) bool {
	if r.Len() != other.Len() {
		return false
	}
	for key := range r.members {
		if _, ok := other.members[key]; !ok {
			return false
		}
	}
	return true
}

// PendingMessage is a note left for a user who is not currently in the room.
type PendingMessage struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ConversationTurn is one inbound message and the bot's reply to it.
type ConversationTurn struct {
	Username string    `json:"username"`
	Inbound  string    `json:"inbound"`
	Outbound string    `json:"outbound"`
	At       time.Time `json:"at"`
}

// Mode is an outbound addressing mode.
type Mode string

const (
	ModePublic  Mode = "public"
	ModeWhisper Mode = "whisper"
	ModePage    Mode = "page"
	ModeDirect  Mode = "direct"
)

// ParseMode returns the Mode named by s, or false if s names none.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePublic, ModeWhisper, ModePage, ModeDirect:
		return m, true
	case "":
		return ModePublic, true
	}
	return "", false
}

// OutboundJob is a reply ready for addressing and transmission.
type OutboundJob struct {
	Mode      Mode     `json:"mode"`
	Addressee string   `json:"addressee,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Chunks    []string `json:"chunks"`
}

// SessionConfig holds the user-toggleable session settings.
type SessionConfig struct {
	MudMode           bool          `json:"mud_mode" yaml:"mud_mode"`
	NoSpam            bool          `json:"no_spam" yaml:"no_spam"`
	AutoGreeting      bool          `json:"auto_greeting" yaml:"auto_greeting"`
	LineLimit         int           `json:"line_limit" yaml:"line_limit"`
	InterChunkDelay   time.Duration `json:"inter_chunk_delay" yaml:"inter_chunk_delay"`
	KeepAliveInterval time.Duration `json:"keep_alive_interval" yaml:"keep_alive_interval"`
}

// DefaultSessionConfig returns the settings a fresh session starts with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AutoGreeting:      true,
		LineLimit:         250,
		InterChunkDelay:   100 * time.Millisecond,
		KeepAliveInterval: 10 * time.Second,
	}
}

// ConnState is the connection lifecycle state of a session.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
)

// EventType names an observability event.
type EventType string

const (
	EventState    EventType = "state"
	EventMessage  EventType = "message"
	EventCommand  EventType = "command"
	EventRoster   EventType = "roster"
	EventOutbound EventType = "outbound"
	EventStatus   EventType = "status"
)

// Event is published on the event bus for UIs, relays and the archive.
type Event struct {
	ID        int64         `json:"id"`
	Type      EventType     `json:"type"`
	State     ConnState     `json:"state,omitempty"`
	Message   *MessageEvent `json:"message,omitempty"`
	Command   string        `json:"command,omitempty"`
	Roster    []string      `json:"roster,omitempty"`
	Lines     []string      `json:"lines,omitempty"`
	Data      string        `json:"data,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
