package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/agent"
	"agent-core/internal/llm"
	"agent-core/internal/policy"
)

func loadRules(t *testing.T) *policy.IntentRules {
	t.Helper()
	rules, err := policy.LoadIntentRules("../../configs/intents.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, rules.Intents)
	return rules
}

type recordingGenerator struct {
	out   string
	err   error
	calls int
	last  llm.Request
}

func (g *recordingGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.calls++
	g.last = req
	return g.out, g.err
}

func TestRuleMatchSkipsModel(t *testing.T) {
	gen := &recordingGenerator{}
	c := New(loadRules(t), gen)

	result := c.Classify(context.Background(), "Search for Python tutorials", "")
	assert.Equal(t, agent.IntentSearch, result.Intent.Type)
	assert.InDelta(t, 0.85, result.Intent.Confidence, 1e-9)
	assert.Equal(t, "Python tutorials", result.Intent.Entities["query"])
	assert.False(t, result.RequiredLLMFallback)
	assert.NotEmpty(t, result.MatchedRules)
	assert.Zero(t, gen.calls)
}

func TestHighestConfidenceWins(t *testing.T) {
	c := New(loadRules(t), nil)

	// browse(0.88) 高于 execute(0.8)。
	result, ok := c.MatchRules("open https://golang.org and list the releases")
	require.True(t, ok)
	assert.Equal(t, agent.IntentBrowse, result.Intent.Type)
	assert.Equal(t, "https://golang.org", result.Intent.Entities["url"])

	result, ok = c.MatchRules("Hello there, good to see you")
	require.True(t, ok)
	assert.Equal(t, agent.IntentConversation, result.Intent.Type)

	_, ok = c.MatchRules("the quick brown fox jumps over the lazy dog")
	assert.False(t, ok)
}

func TestTieKeepsEarlierRule(t *testing.T) {
	rules, err := policy.ParseIntentRules([]byte(`
intents:
  - name: search
    confidence: 0.8
    patterns: ['find']
  - name: execute
    confidence: 0.8
    patterns: ['find']
`))
	require.NoError(t, err)
	result, ok := New(rules, nil).MatchRules("find it")
	require.True(t, ok)
	assert.Equal(t, agent.IntentSearch, result.Intent.Type)
}

func TestAmbiguityForcesFallback(t *testing.T) {
	gen := &recordingGenerator{out: `{"type":"search","confidence":0.75,"entities":{"query":"stuff"},"reasoning":"vague"}`}
	c := New(loadRules(t), gen)

	ruled, ok := c.MatchRules("find some stuff")
	require.True(t, ok)
	assert.InDelta(t, 0.85*0.7, ruled.Intent.Confidence, 1e-9)
	assert.True(t, ruled.RequiredLLMFallback)
	assert.True(t, c.IsAmbiguous(ruled))

	result := c.Classify(context.Background(), "find some stuff", "user asked about gardening")
	assert.Equal(t, 1, gen.calls)
	assert.True(t, gen.last.JSONMode)
	assert.Equal(t, 150, gen.last.MaxTokens)
	assert.Contains(t, gen.last.Prompt, "user asked about gardening")
	assert.Equal(t, agent.IntentSearch, result.Intent.Type)
	assert.InDelta(t, 0.75, result.Intent.Confidence, 1e-9)
	assert.Equal(t, "stuff", result.Intent.Entities["query"])
	assert.True(t, result.RequiredLLMFallback)
}

func TestModelResponses(t *testing.T) {
	cases := []struct {
		name       string
		out        string
		err        error
		wantType   agent.IntentType
		wantConf   float64
		wantReason string
	}{
		{"intent key", `{"intent":"BROWSE","confidence":0.8}`, nil, agent.IntentBrowse, 0.8, ""},
		{"invalid type", `{"type":"teleport","confidence":0.95}`, nil, agent.IntentUnknown, 0.3, ""},
		{"explicit unknown", `{"type":"unknown","confidence":0.2}`, nil, agent.IntentUnknown, 0.2, ""},
		{"missing confidence", `{"type":"remember"}`, nil, agent.IntentRemember, 0.5, ""},
		{"malformed", `definitely search`, nil, agent.IntentUnknown, 0.1, "Classification error"},
		{"model down", "", errors.New("503"), agent.IntentUnknown, 0.1, "Classification error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(nil, &recordingGenerator{out: tc.out, err: tc.err})
			result := c.Classify(context.Background(), "zzz qqq www", "")
			assert.Equal(t, tc.wantType, result.Intent.Type)
			assert.InDelta(t, tc.wantConf, result.Intent.Confidence, 1e-9)
			assert.True(t, result.RequiredLLMFallback)
			if tc.wantReason != "" {
				assert.Contains(t, result.Intent.Reasoning, tc.wantReason)
			}
		})
	}
}

func TestNoModelConfigured(t *testing.T) {
	c := New(loadRules(t), nil)

	result := c.Classify(context.Background(), "find some stuff", "")
	assert.Equal(t, agent.IntentSearch, result.Intent.Type)
	assert.True(t, result.RequiredLLMFallback)

	result = c.Classify(context.Background(), "the quick brown fox jumps", "")
	assert.Equal(t, agent.IntentUnknown, result.Intent.Type)
	assert.InDelta(t, 0.1, result.Intent.Confidence, 1e-9)
}

func TestIsAmbiguous(t *testing.T) {
	c := New(nil, nil, WithThreshold(0.6))
	assert.Equal(t, 0.6, c.Threshold())
	assert.False(t, c.IsAmbiguous(Result{Intent: agent.Intent{Type: agent.IntentSearch, Confidence: 0.65}}))
	assert.True(t, c.IsAmbiguous(Result{Intent: agent.Intent{Type: agent.IntentSearch, Confidence: 0.5}}))
	assert.True(t, c.IsAmbiguous(Result{Intent: agent.Intent{Type: agent.IntentClarification, Confidence: 0.9}}))
}
