package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/jxucoder/bbsbot/command"
	"github.com/jxucoder/bbsbot/model"
)

type fakeGenerator struct {
	reply    string
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, m string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = m, contents, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(f.reply, genai.RoleModel),
		}},
	}, nil
}

func TestInvokeSendsHistoryAndRoster(t *testing.T) {
	gen := &fakeGenerator{reply: "  hey alice  "}
	p := NewWithGenerator(gen, WithModel("test-model"))

	reply, err := p.Invoke(context.Background(), "chat", "how's it going?", command.Context{
		Requester: "alice",
		Kind:      model.KindWhisper,
		Roster:    []string{"alice", "bob"},
		History: []model.ConversationTurn{
			{Username: "alice", Inbound: "hi", Outbound: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hey alice", reply)
	assert.Equal(t, "test-model", gen.model)

	require.Len(t, gen.contents, 3)
	assert.Equal(t, string(genai.RoleUser), gen.contents[0].Role)
	assert.Equal(t, "hi", gen.contents[0].Parts[0].Text)
	assert.Equal(t, string(genai.RoleModel), gen.contents[1].Role)
	assert.Equal(t, "how's it going?", gen.contents[2].Parts[0].Text)

	system := gen.config.SystemInstruction.Parts[0].Text
	assert.Contains(t, system, "alice, bob")
	assert.Contains(t, system, "named alice")
	assert.Contains(t, system, "at most 500 characters")
	assert.EqualValues(t, 1024, gen.config.MaxOutputTokens)
}

func TestInvokeDirectIsShorter(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	p := NewWithGenerator(gen)
	_, err := p.Invoke(context.Background(), "chat", "hello", command.Context{Kind: model.KindDirect})
	require.NoError(t, err)
	assert.Contains(t, gen.config.SystemInstruction.Parts[0].Text, "at most 230 characters")
	assert.Equal(t, DefaultModel, gen.model)
}

func TestInvokeTokenCapIsIndependentOfCharacters(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	p := NewWithGenerator(gen, WithMaxChars(100), WithMaxTokens(2048))
	_, err := p.Invoke(context.Background(), "chat", "hello", command.Context{Kind: model.KindDirect})
	require.NoError(t, err)

	assert.EqualValues(t, 2048, gen.config.MaxOutputTokens)
	assert.Contains(t, gen.config.SystemInstruction.Parts[0].Text, "at most 100 characters")
	require.NotNil(t, gen.config.ThinkingConfig)
	require.NotNil(t, gen.config.ThinkingConfig.ThinkingBudget)
	assert.EqualValues(t, 0, *gen.config.ThinkingConfig.ThinkingBudget, "thinking must not eat the reply budget")
}

func TestInvokeErrors(t *testing.T) {
	p := NewWithGenerator(&fakeGenerator{err: errors.New("quota")})
	_, err := p.Invoke(context.Background(), "chat", "hello", command.Context{})
	assert.ErrorContains(t, err, "quota")

	p = NewWithGenerator(&fakeGenerator{reply: "   "})
	_, err = p.Invoke(context.Background(), "chat", "hello", command.Context{})
	assert.Error(t, err)
}

func TestInvokeEmptyPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	reply, err := NewWithGenerator(gen).Invoke(context.Background(), "chat", " ", command.Context{})
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
	assert.Nil(t, gen.contents)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), "")
	assert.Error(t, err)
}
