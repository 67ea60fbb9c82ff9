// Package telegram mirrors session events into a Telegram chat and lets that
// chat talk back into the room.
//
// Uses long polling, so no public URL or webhook is needed.
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/channel"
	"github.com/jxucoder/bbsbot/eventbus"
	"github.com/jxucoder/bbsbot/model"
)

// API is the subset of *tgbotapi.BotAPI the relay uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Relay forwards events to one chat and relays "/say" messages from it.
type Relay struct {
	api    API
	chatID int64
	bus    eventbus.Bus
	sayer  channel.Sayer
	log    *zap.Logger
}

// New authorizes the bot token and returns a Relay for chatID.
func New(token string, chatID int64, bus eventbus.Bus, sayer channel.Sayer, logger *zap.Logger) (*Relay, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("telegram bot authorized", zap.String("user", api.Self.UserName))
	return NewWithAPI(api, chatID, bus, sayer, logger), nil
}

// NewWithAPI returns a Relay over an existing API client.
func NewWithAPI(api API, chatID int64, bus eventbus.Bus, sayer channel.Sayer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{api: api, chatID: chatID, bus: bus, sayer: sayer, log: logger}
}

// Name implements channel.Channel.
func (r *Relay) Name() string { return "telegram" }

// Run relays in both directions until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	events := r.bus.Subscribe()
	defer r.bus.Unsubscribe(events)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := r.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			r.api.StopReceivingUpdates()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if text := channel.Format(ev); text != "" {
				r.send(text)
			}
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				r.handleMessage(ctx, update.Message)
			}
		}
	}
}

// handleMessage relays "/say <text>" and "/whisper <user> <text>" from the
// configured chat into the room. Other chats are ignored.
func (r *Relay) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != r.chatID || r.sayer == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	cmd, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	var (
		mode = model.ModePublic
		to   string
	)
	switch cmd {
	case "/say":
	case "/whisper":
		mode = model.ModeWhisper
		to, rest, _ = strings.Cut(rest, " ")
	default:
		return
	}
	if rest == "" {
		r.send("usage: /say <text> or /whisper <user> <text>")
		return
	}
	if err := r.sayer.Say(ctx, mode, to, rest); err != nil {
		r.send("could not send: " + err.Error())
	}
}

func (r *Relay) send(text string) {
	if _, err := r.api.Send(tgbotapi.NewMessage(r.chatID, text)); err != nil {
		r.log.Warn("sending to telegram", zap.Error(err))
	}
}
