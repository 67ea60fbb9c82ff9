package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sayMode string
	sayTo   string
	msgFrom string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "List who is in the chat room",
	Args:  cobra.NoArgs,
	RunE:  runRoster,
}

var seenCmd = &cobra.Command{
	Use:   "seen [user]",
	Short: "Show when a user (or everyone) was last seen",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSeen,
}

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Send text to the chat room",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSay,
}

var msgCmd = &cobra.Command{
	Use:   "msg <user> <text>",
	Short: "Leave a message delivered when the user is next seen",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runMsg,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the BBS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrintState(cmd, "/api/connect")
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect from the BBS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrintState(cmd, "/api/disconnect")
	},
}

var setCmd = &cobra.Command{
	Use:   "set key=value...",
	Short: "Change session toggles (mud_mode, no_spam, auto_greeting, line_limit, inter_chunk_delay)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSet,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream session events",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	sayCmd.Flags().StringVar(&sayMode, "mode", "public", "public, whisper, page or direct")
	sayCmd.Flags().StringVar(&sayTo, "to", "", "addressee for private modes")
	msgCmd.Flags().StringVar(&msgFrom, "from", "operator", "sender name shown to the recipient")

	rootCmd.AddCommand(statusCmd, rosterCmd, seenCmd, sayCmd, msgCmd, connectCmd, disconnectCmd, setCmd, eventsCmd)
}

type statusResponse struct {
	State       string          `json:"state"`
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	ConnectedAt *time.Time      `json:"connected_at"`
	Config      json.RawMessage `json:"config"`
	Roster      []string        `json:"roster"`
	Commands    []string        `json:"commands"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st statusResponse
	if err := apiDo(http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "State:     %s\n", st.State)
	fmt.Fprintf(w, "Host:      %s:%d\n", st.Host, st.Port)
	if st.ConnectedAt != nil {
		fmt.Fprintf(w, "Connected: %s\n", st.ConnectedAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(w, "Roster:    %s\n", joinOrNone(st.Roster))
	fmt.Fprintf(w, "Commands:  %s\n", joinOrNone(st.Commands))
	fmt.Fprintf(w, "Config:    %s\n", st.Config)
	return nil
}

func runRoster(cmd *cobra.Command, args []string) error {
	var out struct {
		Roster []string `json:"roster"`
	}
	if err := apiDo(http.MethodGet, "/api/roster", nil, &out); err != nil {
		return err
	}
	if len(out.Roster) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No users currently in the chatroom.")
		return nil
	}
	for _, name := range out.Roster {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

type sighting struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

func runSeen(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 1 {
		var s sighting
		if err := apiDo(http.MethodGet, "/api/seen/"+url.PathEscape(args[0]), nil, &s); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  %s\n", s.Name, s.At.Local().Format(time.RFC1123))
		return nil
	}

	var all map[string]sighting
	if err := apiDo(http.MethodGet, "/api/seen", nil, &all); err != nil {
		return err
	}
	for _, s := range all {
		fmt.Fprintf(w, "%-20s %s\n", s.Name, s.At.Local().Format(time.RFC1123))
	}
	return nil
}

func runSay(cmd *cobra.Command, args []string) error {
	return apiDo(http.MethodPost, "/api/say", map[string]string{
		"mode": sayMode,
		"to":   sayTo,
		"text": strings.Join(args, " "),
	}, nil)
}

func runMsg(cmd *cobra.Command, args []string) error {
	var msg struct {
		ID        string `json:"id"`
		Recipient string `json:"recipient"`
	}
	err := apiDo(http.MethodPost, "/api/pending", map[string]string{
		"recipient": args[0],
		"sender":    msgFrom,
		"body":      strings.Join(args[1:], " "),
	}, &msg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message for %s saved (%s).\n", msg.Recipient, msg.ID)
	return nil
}

func postAndPrintState(cmd *cobra.Command, path string) error {
	var st statusResponse
	if err := apiDo(http.MethodPost, path, nil, &st); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), st.State)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	patch, err := parseSettings(args)
	if err != nil {
		return err
	}
	var cfg json.RawMessage
	if err := apiDo(http.MethodPatch, "/api/config", patch, &cfg); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(cfg)))
	return nil
}

// parseSettings turns key=value arguments into a config patch body.
func parseSettings(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		key = strings.ReplaceAll(strings.ToLower(key), "-", "_")
		switch key {
		case "mud_mode", "no_spam", "auto_greeting":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			patch[key] = b
		case "line_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			patch[key] = n
		case "inter_chunk_delay":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			patch["inter_chunk_delay_ms"] = d.Milliseconds()
		default:
			return nil, fmt.Errorf("unknown setting %q", key)
		}
	}
	return patch, nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/events")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Fprintln(cmd.OutOrStdout(), data)
		}
	}
	return scanner.Err()
}

// apiDo sends body as JSON and decodes a JSON response into out (if non-nil).
func apiDo(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
