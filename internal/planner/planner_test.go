package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/agent"
	"agent-core/internal/llm"
	"agent-core/internal/policy"
)

type scriptedGenerator struct {
	outputs []string
	err     error
	prompts []llm.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.prompts = append(g.prompts, req)
	if g.err != nil {
		return "", g.err
	}
	if len(g.outputs) == 0 {
		return "", errors.New("no scripted output")
	}
	out := g.outputs[0]
	g.outputs = g.outputs[1:]
	return out, nil
}

func testCatalog(t *testing.T) *policy.Catalog {
	t.Helper()
	catalog, err := policy.LoadCatalog("../../configs/tools.yaml")
	require.NoError(t, err)
	return catalog
}

func planJSON(t *testing.T, actions ...map[string]any) string {
	t.Helper()
	encoded, err := json.Marshal(map[string]any{
		"thought_process":  "look things up",
		"actions":          actions,
		"expected_outcome": "answers",
	})
	require.NoError(t, err)
	return string(encoded)
}

func searchAction(query string) map[string]any {
	return map[string]any{
		"tool_name":          "web_search",
		"parameters":         map[string]any{"query": query},
		"confirmation_level": "none",
		"reasoning":          "find sources",
	}
}

func TestCreatePlanSearch(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{planJSON(t, searchAction("Python tutorials"))}}
	p := New(gen, testCatalog(t))

	plan := p.CreatePlan(context.Background(), "search for Python tutorials",
		agent.Intent{Type: agent.IntentSearch, Confidence: 0.9}, llm.PlanContext{CurrentTask: "learning"})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, policy.ToolWebSearch, plan.Actions[0].Tool)
	assert.Equal(t, policy.ConfirmNone, plan.Actions[0].Confirmation)
	assert.Equal(t, "Python tutorials", plan.Actions[0].Parameters["query"])
	assert.InDelta(t, 0.9, plan.Confidence, 1e-9)
	assert.False(t, plan.NeedsUserConfirmation)
	assert.Equal(t, "look things up", plan.ThoughtProcess)

	require.Len(t, gen.prompts, 1)
	req := gen.prompts[0]
	assert.True(t, req.JSONMode)
	assert.Equal(t, 800, req.MaxTokens)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, llm.PlanningSystem, req.System)
	assert.Contains(t, req.Prompt, "web_search (Search the web and return ranked results.)")
	assert.NotContains(t, req.Prompt, "system_command")
	assert.Contains(t, req.Prompt, "- Current task: learning")
}

func TestCreatePlanTruncatesToFive(t *testing.T) {
	actions := make([]map[string]any, 8)
	for i := range actions {
		actions[i] = searchAction(fmt.Sprintf("query %d", i))
	}
	gen := &scriptedGenerator{outputs: []string{planJSON(t, actions...)}}

	plan := New(gen, testCatalog(t)).CreatePlan(context.Background(), "many searches",
		agent.Intent{Type: agent.IntentSearch, Confidence: 1}, llm.PlanContext{})

	require.Len(t, plan.Actions, 5)
	assert.Equal(t, "query 4", plan.Actions[4].Parameters["query"])
	assert.InDelta(t, 0.9*0.85, plan.Confidence, 1e-9)
}

func TestCreatePlanDropsInvalidActions(t *testing.T) {
	out := `{"thought_process":"mixed","actions":[
		{"tool":"web_fetch","parameters":{"url":"https://go.dev"}},
		{"tool_name":"launch_missiles","parameters":{}},
		"not an object",
		{"tool_name":"FILE_WRITE","parameters":{"path":"~/Documents/a.txt","content":"x"},"confirmation_level":"hard"},
		{"tool_name":"browser_click","parameters":{"selector":"#go"},"confirmation_level":"urgent"}
	],"expected_outcome":"done"}`
	gen := &scriptedGenerator{outputs: []string{out}}

	plan := New(gen, testCatalog(t)).CreatePlan(context.Background(), "do things",
		agent.Intent{Type: agent.IntentExecute, Confidence: 0.8}, llm.PlanContext{})

	require.Len(t, plan.Actions, 3)
	assert.Equal(t, policy.ToolWebFetch, plan.Actions[0].Tool)
	// 缺省确认级别为 soft。
	assert.Equal(t, policy.ConfirmSoft, plan.Actions[0].Confirmation)
	assert.Equal(t, policy.ToolFileWrite, plan.Actions[1].Tool)
	assert.Equal(t, policy.ConfirmHard, plan.Actions[1].Confirmation)
	assert.Equal(t, policy.ConfirmSoft, plan.Actions[2].Confirmation)
	assert.True(t, plan.NeedsUserConfirmation)
	assert.InDelta(t, 0.8*0.9, plan.Confidence, 1e-9)
}

func TestCreatePlanModelFlag(t *testing.T) {
	out := `{"thought_process":"t","actions":[{"tool_name":"web_search","parameters":{"query":"q"},"confirmation_level":"none"}],"needs_confirmation":true}`
	plan := New(&scriptedGenerator{outputs: []string{out}}, testCatalog(t)).CreatePlan(context.Background(), "q",
		agent.Intent{Type: agent.IntentSearch, Confidence: 0.9}, llm.PlanContext{})
	assert.True(t, plan.NeedsUserConfirmation)
}

func TestCreatePlanFailuresYieldEmptyPlan(t *testing.T) {
	cases := map[string]*scriptedGenerator{
		"model error":  {err: errors.New("upstream down")},
		"invalid json": {outputs: []string{"I would search the web"}},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			plan := New(gen, testCatalog(t)).CreatePlan(context.Background(), "q",
				agent.Intent{Type: agent.IntentSearch, Confidence: 0.9}, llm.PlanContext{})
			require.NotNil(t, plan)
			assert.True(t, plan.Empty())
			assert.Zero(t, plan.Confidence)
			assert.False(t, plan.NeedsUserConfirmation)
			assert.True(t, strings.HasPrefix(plan.ThoughtProcess, "Error creating plan:"))
		})
	}

	plan := New(nil, testCatalog(t)).CreatePlan(context.Background(), "q", agent.Intent{}, llm.PlanContext{})
	assert.True(t, plan.Empty())
}

func TestConfidence(t *testing.T) {
	intent := agent.Intent{Confidence: 0.9}
	mk := func(levels ...policy.ConfirmationLevel) []agent.ToolAction {
		out := make([]agent.ToolAction, len(levels))
		for i, l := range levels {
			out[i] = agent.ToolAction{Tool: policy.ToolWebSearch, Confirmation: l}
		}
		return out
	}
	n, h := policy.ConfirmNone, policy.ConfirmHard

	assert.Zero(t, Confidence(nil, intent))
	assert.InDelta(t, 0.9, Confidence(mk(n, n, n), intent), 1e-9)
	assert.InDelta(t, 0.9*0.9, Confidence(mk(n, n, n, n), intent), 1e-9)
	assert.InDelta(t, 0.9*0.9*0.85*0.9, Confidence(mk(h, n, n, n, n), intent), 1e-9)
	assert.InDelta(t, 0.9*0.9*0.85*0.7, Confidence(mk(h, h, h, h, h), intent), 1e-9)
	assert.InDelta(t, 1.0, Confidence(mk(n), agent.Intent{Confidence: 1.4}), 1e-9)
}

func TestRefinePlan(t *testing.T) {
	original := &agent.Plan{
		Actions:        []agent.ToolAction{{Tool: policy.ToolWebSearch, Parameters: map[string]any{"query": "go"}, Confirmation: policy.ConfirmNone}},
		ThoughtProcess: "search",
	}

	gen := &scriptedGenerator{outputs: []string{planJSON(t, searchAction("go generics"))}}
	refined := New(gen, testCatalog(t)).RefinePlan(context.Background(), original, "focus on generics", llm.PlanContext{})
	require.Len(t, refined.Actions, 1)
	assert.Equal(t, "go generics", refined.Actions[0].Parameters["query"])
	assert.InDelta(t, 0.8, refined.Confidence, 1e-9)
	assert.Contains(t, gen.prompts[0].Prompt, "User feedback: focus on generics")
	assert.Contains(t, gen.prompts[0].Prompt, `"tool": "web_search"`)

	failing := &scriptedGenerator{err: errors.New("down")}
	assert.Same(t, original, New(failing, testCatalog(t)).RefinePlan(context.Background(), original, "again", llm.PlanContext{}))
}
