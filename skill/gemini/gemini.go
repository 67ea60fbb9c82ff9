// Package gemini provides the "chat" command backed by Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/jxucoder/bbsbot/command"
	"github.com/jxucoder/bbsbot/model"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const persona = "You are a laid-back regular hanging out in a BBS chatroom. You speak casually. " +
	"Keep replies short: at most %d characters. " +
	"If asked who is in the room, use the member list. " +
	"The current chatroom members are: %s."

// Generator is the part of *genai.Models the provider uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider answers free-form chat.
type Provider struct {
	gen       Generator
	model     string
	maxChars  int
	maxTokens int32
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides DefaultModel.
func WithModel(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.model = name
		}
	}
}

// WithMaxChars sets the reply length the persona asks for. Default 500.
func WithMaxChars(n int) Option {
	return func(p *Provider) { p.maxChars = n }
}

// WithMaxTokens caps the tokens a reply may use. Default 1024. The persona's
// character limit shapes the reply; this only bounds the response size.
func WithMaxTokens(n int32) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// New creates a Provider using apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return NewWithGenerator(client.Models, opts...), nil
}

// NewWithGenerator creates a Provider over gen.
func NewWithGenerator(gen Generator, opts ...Option) *Provider {
	p := &Provider{gen: gen, model: DefaultModel, maxChars: 500, maxTokens: 1024}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Invoke implements command.Provider.
func (p *Provider) Invoke(ctx context.Context, _, argument string, cc command.Context) (string, error) {
	argument = strings.TrimSpace(argument)
	if argument == "" {
		return "Say something and I'll answer.", nil
	}

	maxChars := p.maxChars
	if cc.Kind == model.KindDirect {
		maxChars = min(maxChars, 230)
	}
	system := fmt.Sprintf(persona, maxChars, strings.Join(cc.Roster, ", "))
	if cc.Requester != "" {
		system += fmt.Sprintf(" The user speaking is named %s.", cc.Requester)
	}

	resp, err := p.gen.GenerateContent(ctx, p.model, contents(cc.History, argument), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.5),
		MaxOutputTokens:   p.maxTokens,
		// Thinking tokens count against MaxOutputTokens; short chat replies do
		// not need them.
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	})
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("empty reply")
	}
	return text, nil
}

// contents turns past turns into alternating user/model messages followed by
// the new prompt.
func contents(history []model.ConversationTurn, prompt string) []*genai.Content {
	out := make([]*genai.Content, 0, 2*len(history)+1)
	for _, t := range history {
		out = append(out,
			genai.NewContentFromText(t.Inbound, genai.RoleUser),
			genai.NewContentFromText(t.Outbound, genai.RoleModel),
		)
	}
	return append(out, genai.NewContentFromText(prompt, genai.RoleUser))
}
