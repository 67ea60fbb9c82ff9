// Package slack mirrors session events into a Slack channel.
package slack

import (
	"context"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot/channel"
	"github.com/jxucoder/bbsbot/eventbus"
)

// Relay posts formatted session events to one Slack channel.
type Relay struct {
	api       *slack.Client
	channelID string
	bus       eventbus.Bus
	log       *zap.Logger
}

// New creates a Relay. Extra slack options (such as slack.OptionAPIURL) are
// passed to the client.
func New(token, channelID string, bus eventbus.Bus, logger *zap.Logger, opts ...slack.Option) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		api:       slack.New(token, opts...),
		channelID: channelID,
		bus:       bus,
		log:       logger,
	}
}

// Name implements channel.Channel.
func (r *Relay) Name() string { return "slack" }

// Run relays events until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	ch := r.bus.Subscribe()
	defer r.bus.Unsubscribe(ch)

	r.log.Info("slack relay started", zap.String("channel", r.channelID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text := channel.Format(ev)
			if text == "" {
				continue
			}
			if _, _, err := r.api.PostMessageContext(ctx, r.channelID, slack.MsgOptionText(text, false)); err != nil {
				r.log.Warn("posting to slack", zap.Error(err))
			}
		}
	}
}
