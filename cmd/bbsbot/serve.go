package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jxucoder/bbsbot"
	"github.com/jxucoder/bbsbot/archive"
	channelSlack "github.com/jxucoder/bbsbot/channel/slack"
	channelTelegram "github.com/jxucoder/bbsbot/channel/telegram"
	"github.com/jxucoder/bbsbot/engine"
	"github.com/jxucoder/bbsbot/internal/config"
	"github.com/jxucoder/bbsbot/skill/gemini"
	"github.com/jxucoder/bbsbot/skill/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot and its HTTP API",
	Long:  "Connect to the configured BBS, run the chat bot and serve the control API.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := bbsbot.NewBuilder().
		WithLogger(logger).
		WithConfig(bbsbot.Config{
			ServerAddr:   cfg.ServerAddr,
			DataDir:      cfg.DataDir,
			DatabasePath: cfg.DatabasePath(),
			DialTimeout:  cfg.BBS.DialTimeout,
			Raw:          cfg.BBS.Raw,
			AutoConnect:  cfg.BBS.AutoConnect,
			Engine: engine.Config{
				Host:           cfg.BBS.Host,
				Port:           cfg.BBS.Port,
				BotName:        cfg.BBS.BotName,
				Session:        cfg.Session,
				ReconnectDelay: cfg.BBS.ReconnectDelay,
				CommandOrder:   cfg.Commands.Order,
			},
			Archive: bbsbot.ArchiveConfig{
				Enabled:     cfg.Archive.Enabled,
				Dir:         cfg.Archive.Dir,
				RotateAfter: cfg.Archive.RotateAfter,
				RotateBytes: int64(cfg.Archive.RotateMegabytes) << 20,
			},
		})

	if cfg.Gemini.APIKey != "" {
		chat, err := gemini.New(ctx, cfg.Gemini.APIKey, gemini.WithModel(cfg.Gemini.Model))
		if err != nil {
			return err
		}
		builder.WithProvider("chat", chat)
		logger.Info("chat skill enabled", zap.String("provider", "gemini"))
	}
	for name, wh := range cfg.Commands.Webhooks {
		builder.WithProvider(name, webhook.New(wh.URL, wh.Token))
		logger.Info("webhook skill enabled", zap.String("command", name))
	}

	if cfg.UploadEnabled() {
		up, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:          cfg.Archive.S3.Bucket,
			Region:          cfg.Archive.S3.Region,
			Prefix:          cfg.Archive.S3.Prefix,
			Endpoint:        cfg.Archive.S3.Endpoint,
			AccessKeyID:     cfg.Archive.S3.AccessKeyID,
			SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
		},
			archive.WithDeleteAfterUpload(cfg.Archive.DeleteAfterUpload),
			archive.WithRetries(cfg.Archive.MaxRetries, time.Second),
			archive.WithUploaderLogger(logger.Named("upload")),
		)
		if err != nil {
			return err
		}
		builder.WithUploader(up)
		logger.Info("transcript upload enabled", zap.String("bucket", cfg.Archive.S3.Bucket))
	}

	app, err := builder.Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	if cfg.SlackEnabled() {
		app.AddChannel(channelSlack.New(cfg.Slack.BotToken, cfg.Slack.ChannelID, app.Engine().Bus(), logger.Named("slack")))
		logger.Info("slack relay enabled")
	}
	if cfg.TelegramEnabled() {
		tg, err := channelTelegram.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, app.Engine().Bus(), app.Engine(), logger.Named("telegram"))
		if err != nil {
			logger.Warn("telegram relay disabled", zap.Error(err))
		} else {
			app.AddChannel(tg)
			logger.Info("telegram relay enabled")
		}
	}

	return app.Start(ctx)
}
