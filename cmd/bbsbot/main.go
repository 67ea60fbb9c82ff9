// bbsbot keeps a chat bot logged into a BBS chat room.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	serverURL  string
	configPath string
	verbose    bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "bbsbot",
	Short: "bbsbot - a chat bot for BBS chat rooms",
	Long: `bbsbot logs into a BBS chat room over telnet, answers !commands, greets
members, relays private messages and keeps a transcript.

  bbsbot serve --config bbsbot.yaml             Start the bot and its API
  bbsbot status                                 Show session status
  bbsbot roster                                 List who is in the room
  bbsbot seen <user>                            When a user was last seen
  bbsbot say "hello" [--mode whisper --to bob]  Speak in the room
  bbsbot msg <user> <text>                      Leave a message for a user
  bbsbot connect | disconnect                   Control the connection
  bbsbot set nospam=true mud_mode=false         Change session toggles`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BBSBOT_SERVER", "http://localhost:7080"), "bbsbot server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BBSBOT_CONFIG"), "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
