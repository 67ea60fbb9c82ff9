// Package channel defines relays that mirror session events to chat services
// outside the BBS.
package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/jxucoder/bbsbot/model"
)

// MaxRelayLength caps one relayed message.
const MaxRelayLength = 1000

// Channel is a long-running relay.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// Sayer sends text into the chat room.
type Sayer interface {
	Say(ctx context.Context, mode model.Mode, to, text string) error
}

// Format renders an event for a relay. It returns "" for events that are not
// worth relaying.
func Format(ev *model.Event) string {
	var s string
	switch ev.Type {
	case model.EventState:
		s = fmt.Sprintf("session %s", ev.State)
	case model.EventStatus:
		s = ev.Data
	case model.EventRoster:
		s = "in the room: " + strings.Join(ev.Roster, ", ")
	case model.EventOutbound:
		s = "bot: " + strings.Join(ev.Lines, " / ")
	case model.EventMessage:
		m := ev.Message
		if m == nil {
			return ""
		}
		switch m.Kind {
		case model.KindPublic:
			s = fmt.Sprintf("%s: %s", m.Sender, m.Body)
		case model.KindWhisper, model.KindPage, model.KindDirect:
			s = fmt.Sprintf("[%s] %s: %s", m.Kind, m.Sender, m.Body)
		case model.KindJoin:
			s = fmt.Sprintf("%s joined", m.Sender)
		default:
			return ""
		}
	default:
		return ""
	}
	return model.Truncate(s, MaxRelayLength)
}
