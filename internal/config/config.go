// Package config loads bbsbot configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/bbsbot/model"
)

// Config holds all configuration for a bbsbot server.
type Config struct {
	// ServerAddr is the address the HTTP API listens on (e.g., ":7080").
	ServerAddr string `yaml:"server_addr"`

	// DataDir holds the SQLite database and transcripts.
	DataDir string `yaml:"data_dir"`

	BBS      BBSConfig           `yaml:"bbs"`
	Session  model.SessionConfig `yaml:"session"`
	Commands CommandsConfig      `yaml:"commands"`
	Gemini   GeminiConfig        `yaml:"gemini"`
	Slack    SlackConfig         `yaml:"slack"`
	Telegram TelegramConfig      `yaml:"telegram"`
	Archive  ArchiveConfig       `yaml:"archive"`
}

// BBSConfig describes the host the bot logs into.
type BBSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BotName is the handle the bot logs in as. Its echoed lines are ignored.
	BotName        string        `yaml:"bot_name"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// Raw disables CP437 transcoding for hosts that already speak UTF-8.
	Raw bool `yaml:"raw"`
	// AutoConnect connects as soon as the server starts.
	AutoConnect bool `yaml:"auto_connect"`
}

// CommandsConfig configures the command table.
type CommandsConfig struct {
	// Order overrides the default command priority.
	Order []string `yaml:"order"`
	// Webhooks binds command names to HTTP endpoints.
	Webhooks map[string]WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one HTTP-backed command.
type WebhookConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// GeminiConfig enables the chat command.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SlackConfig enables the Slack relay.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// TelegramConfig enables the Telegram relay.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// ArchiveConfig enables transcript recording and, with a bucket, upload.
type ArchiveConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Dir               string        `yaml:"dir"`
	RotateAfter       time.Duration `yaml:"rotate_after"`
	RotateMegabytes   int           `yaml:"rotate_megabytes"`
	DeleteAfterUpload bool          `yaml:"delete_after_upload"`
	MaxRetries        int           `yaml:"max_retries"`
	S3                S3Config      `yaml:"s3"`
}

// S3Config describes the upload bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServerAddr: ":7080",
		DataDir:    defaultDataDir(),
		BBS: BBSConfig{
			Port:           23,
			BotName:        "Ultron",
			DialTimeout:    15 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Session: model.DefaultSessionConfig(),
		Archive: ArchiveConfig{
			RotateAfter:     time.Hour,
			RotateMegabytes: 16,
			MaxRetries:      3,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = filepath.Join(cfg.DataDir, "transcripts")
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ServerAddr = envOr("BBSBOT_ADDR", c.ServerAddr)
	c.DataDir = envOr("BBSBOT_DATA_DIR", c.DataDir)
	c.BBS.Host = envOr("BBSBOT_HOST", c.BBS.Host)
	c.BBS.BotName = envOr("BBSBOT_NAME", c.BBS.BotName)
	c.Gemini.APIKey = envOr("GEMINI_API_KEY", c.Gemini.APIKey)
	c.Gemini.Model = envOr("GEMINI_MODEL", c.Gemini.Model)
	c.Slack.BotToken = envOr("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.ChannelID = envOr("SLACK_CHANNEL_ID", c.Slack.ChannelID)
	c.Telegram.BotToken = envOr("TELEGRAM_BOT_TOKEN", c.Telegram.BotToken)
	c.Archive.S3.Bucket = envOr("S3_BUCKET", c.Archive.S3.Bucket)
	c.Archive.S3.Region = envOr("S3_REGION", c.Archive.S3.Region)
	c.Archive.S3.Endpoint = envOr("S3_ENDPOINT", c.Archive.S3.Endpoint)
	c.Archive.S3.AccessKeyID = envOr("S3_ACCESS_KEY_ID", c.Archive.S3.AccessKeyID)
	c.Archive.S3.SecretAccessKey = envOr("S3_SECRET_ACCESS_KEY", c.Archive.S3.SecretAccessKey)

	var err error
	if c.BBS.Port, err = envOrInt("BBSBOT_PORT", c.BBS.Port); err != nil {
		return err
	}
	if c.Telegram.ChatID, err = envOrInt64("TELEGRAM_CHAT_ID", c.Telegram.ChatID); err != nil {
		return err
	}
	return nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.BBS.Host == "" {
		errs = append(errs, errors.New("bbs.host is required (or set BBSBOT_HOST)"))
	}
	if c.BBS.Port <= 0 || c.BBS.Port > 65535 {
		errs = append(errs, fmt.Errorf("bbs.port %d is out of range", c.BBS.Port))
	}
	if c.Session.LineLimit < 0 {
		errs = append(errs, errors.New("session.line_limit must not be negative"))
	}
	if c.Slack.BotToken != "" && c.Slack.ChannelID == "" {
		errs = append(errs, errors.New("slack.channel_id is required when slack.bot_token is set"))
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.bot_token is set"))
	}
	if c.Archive.S3.Bucket != "" && c.Archive.S3.Region == "" {
		errs = append(errs, errors.New("archive.s3.region is required when a bucket is set"))
	}
	if c.Archive.S3.AccessKeyID != "" && c.Archive.S3.SecretAccessKey == "" {
		errs = append(errs, errors.New("archive.s3.secret_access_key is required with access_key_id"))
	}
	for name, wh := range c.Commands.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("commands.webhooks.%s.url is required", name))
		}
	}
	return errors.Join(errs...)
}

// DatabasePath is the SQLite file under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "bbsbot.db")
}

// SlackEnabled returns true if the Slack relay is configured.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != "" && c.Slack.ChannelID != ""
}

// TelegramEnabled returns true if the Telegram relay is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != 0
}

// UploadEnabled returns true if transcripts are shipped to S3.
func (c *Config) UploadEnabled() bool {
	return c.Archive.Enabled && c.Archive.S3.Bucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envOrInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bbsbot"
	}
	return filepath.Join(home, ".bbsbot")
}
