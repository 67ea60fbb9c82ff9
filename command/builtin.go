package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/model"
	"github.com/jxucoder/bbsbot/state"
)

// Sightings looks up when a user was last in the room.
type Sightings interface {
	LastSeen(user string) (state.Sighting, bool)
}

// PendingStore stores messages for absent users.
type PendingStore interface {
	StorePending(recipient, sender, body string) (model.PendingMessage, error)
}

// Scheduler runs fn on the session timeline after d. The returned cancel
// function is safe to call after fn has run.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func(ctx context.Context)) (cancel func() bool)
}

// Replier sends an unsolicited reply, such as a finished timer.
type Replier interface {
	Reply(ctx context.Context, mode model.Mode, addressee, channel, text string) error
}

// PublicHistory returns recent public chat, oldest first.
type PublicHistory interface {
	PublicHistory() ([]state.PublicLine, error)
}

// Configurable exposes the session toggles.
type Configurable interface {
	UpdateConfig(fn func(*model.SessionConfig)) model.SessionConfig
}

// Builtins are the collaborators the built-in commands need.
type Builtins struct {
	Sightings Sightings
	Pending   PendingStore
	Scheduler Scheduler
	Replier   Replier
	Public    PublicHistory
	Config    Configurable
	Now       func() time.Time
	Logger    *zap.Logger
}

// RegisterBuiltins adds the built-in commands to reg. Commands whose
// collaborator is nil are skipped.
func RegisterBuiltins(reg *Registry, b Builtins) {
	if b.Now == nil {
		b.Now = time.Now
	}
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	reg.Register("help", Help(reg, DefaultOrder))
	reg.Register("who", Who())
	if b.Sightings != nil {
		reg.Register("seen", Seen(b.Sightings, b.Now))
	}
	if b.Public != nil {
		reg.Register("said", Said(b.Public))
	}
	if b.Pending != nil {
		reg.Register("msg", Msg(b.Pending))
	}
	if b.Scheduler != nil && b.Replier != nil {
		reg.Register("timer", Timer(b.Scheduler, b.Replier, b.Logger))
	}
	if b.Config != nil {
		reg.Register("greeting", Toggle("Auto-greeting", b.Config, func(c *model.SessionConfig) *bool { return &c.AutoGreeting }))
		reg.Register("nospam", Toggle("No Spam Mode", b.Config, func(c *model.SessionConfig) *bool { return &c.NoSpam }))
	}
}

// Help lists the available commands.
func Help(reg *Registry, order []string) Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		names := NewTable(reg, order).Names()
		for i, n := range names {
			names[i] = "!" + n
		}
		return "Available commands: " + strings.Join(names, ", "), nil
	})
}

// Who lists the current roster.
func Who() Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		if len(cc.Roster) == 0 {
			return "No users currently in the chatroom.", nil
		}
		return "Users currently in the chatroom: " + strings.Join(cc.Roster, ", "), nil
	})
}

// Seen reports when a user was last in the room.
func Seen(s Sightings, now func() time.Time) Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		fields := strings.Fields(argument)
		if len(fields) == 0 {
			return "Usage: !seen <username>", nil
		}
		user := fields[0]
		sg, ok := s.LastSeen(user)
		if !ok {
			return fmt.Sprintf("%s has not been seen in the chatroom.", user), nil
		}
		return fmt.Sprintf("%s was last seen on %s (%s ago).",
			user, sg.At.Local().Format("2006-01-02 15:04:05"), formatAgo(now().Sub(sg.At))), nil
	})
}

func formatAgo(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d hours, %d minutes, %d seconds", secs/3600, secs%3600/60, secs%60)
}

// saidCount is how many public lines !said reports.
const saidCount = 3

// Said reports the last few public messages in the room, or from one user.
func Said(h PublicHistory) Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		fields := strings.Fields(argument)
		if len(fields) > 1 {
			return "Usage: !said [<username>]", nil
		}
		lines, err := h.PublicHistory()
		if err != nil {
			return "", fmt.Errorf("loading public history: %w", err)
		}

		var user string
		if len(fields) == 1 {
			user = fields[0]
		}
		var picked []string
		for i := len(lines) - 1; i >= 0 && len(picked) < saidCount; i-- {
			l := lines[i]
			switch {
			case user == "":
				picked = append(picked, l.Sender+": "+l.Body)
			case strings.EqualFold(l.Sender, user):
				picked = append(picked, l.Body)
			}
		}
		if len(picked) == 0 {
			if user != "" {
				return fmt.Sprintf("No public messages found for %s.", user), nil
			}
			return "No public messages found.", nil
		}
		for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
			picked[i], picked[j] = picked[j], picked[i]
		}
		if user != "" {
			return fmt.Sprintf("Last public messages from %s: %s", user, strings.Join(picked, " | ")), nil
		}
		return "Last public messages in the chatroom: " + strings.Join(picked, " | "), nil
	})
}

// Msg leaves a message for a user, delivered the next time they are seen.
func Msg(p PendingStore) Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		recipient, body, _ := strings.Cut(argument, " ")
		body = strings.TrimSpace(body)
		if recipient == "" || body == "" {
			return "Usage: !msg <username> <message>", nil
		}
		if _, err := p.StorePending(recipient, cc.Requester, body); err != nil {
			return "", err
		}
		return fmt.Sprintf("Message for %s saved. They will receive it the next time they are seen in the chatroom.", recipient), nil
	})
}

// maxTimer is the longest countdown !timer accepts.
const maxTimer = 24 * time.Hour

// Timer notifies the requester after a countdown.
func Timer(s Scheduler, r Replier, log *zap.Logger) Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		d, value, unit, ok := parseTimer(argument)
		if !ok {
			return "Invalid timer value or unit. Please use the syntax '!timer <value> <minutes or seconds>'.", nil
		}
		mode, addressee := ReplyMode(cc.Kind, cc.Requester)
		user, channel := cc.Requester, cc.Channel
		s.AfterFunc(d, func(ctx context.Context) {
			if err := r.Reply(ctx, mode, addressee, channel, fmt.Sprintf("Timer for %s has ended.", user)); err != nil {
				log.Warn("timer notification failed", zap.String("user", user), zap.Error(err))
			}
		})
		return fmt.Sprintf("Timer set for %s for %d %s.", user, value, unit), nil
	})
}

func parseTimer(argument string) (time.Duration, int, string, bool) {
	fields := strings.Fields(argument)
	if len(fields) < 2 {
		return 0, 0, "", false
	}
	value, err := strconv.Atoi(fields[0])
	if err != nil || value <= 0 {
		return 0, 0, "", false
	}
	var (
		step time.Duration
		name string
	)
	switch strings.ToLower(fields[1]) {
	case "minute", "minutes":
		step, name = time.Minute, "minutes"
	case "second", "seconds":
		step, name = time.Second, "seconds"
	default:
		return 0, 0, "", false
	}
	// Compare before multiplying so huge values cannot wrap negative.
	if int64(value) > int64(maxTimer/step) {
		return 0, 0, "", false
	}
	return time.Duration(value) * step, value, name, true
}

// Toggle flips a boolean session setting and reports its new state.
func Toggle(label string, c Configurable, field func(*model.SessionConfig) *bool) Provider {
	return ProviderFunc(func(ctx context.Context, command, argument string, cc Context) (string, error) {
		cfg := c.UpdateConfig(func(cfg *model.SessionConfig) {
			f := field(cfg)
			*f = !*f
		})
		status := "disabled"
		if *field(&cfg) {
			status = "enabled"
		}
		return fmt.Sprintf("%s has been %s.", label, status), nil
	})
}
