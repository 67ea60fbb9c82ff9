// Package webhook provides commands answered by an external HTTP endpoint.
//
// The bot POSTs a JSON request and relays the "reply" field of the JSON
// response, or the whole body for text/plain responses.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/jxucoder/bbsbot/command"
)

const maxResponseBytes = 64 << 10

// Request is the body sent to the endpoint.
type Request struct {
	Command   string   `json:"command"`
	Argument  string   `json:"argument"`
	Requester string   `json:"requester,omitempty"`
	Kind      string   `json:"kind"`
	Channel   string   `json:"channel,omitempty"`
	Roster    []string `json:"roster,omitempty"`
}

type response struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Provider forwards a command to URL.
type Provider struct {
	URL    string
	Token  string // sent as a bearer token when set
	Client *http.Client
}

// New returns a Provider with a 15 second client timeout.
func New(url, token string) *Provider {
	return &Provider{URL: url, Token: token, Client: &http.Client{Timeout: 15 * time.Second}}
}

// Invoke implements command.Provider.
func (p *Provider) Invoke(ctx context.Context, cmd, argument string, cc command.Context) (string, error) {
	data, err := json.Marshal(Request{
		Command:   cmd,
		Argument:  argument,
		Requester: cc.Requester,
		Kind:      string(cc.Kind),
		Channel:   cc.Channel,
		Roster:    cc.Roster,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", cmd, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return strings.TrimSpace(string(body)), nil
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return strings.TrimSpace(out.Reply), nil
}
