package core

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/sandbox"
)

type MockLLMClient struct {
	mu      sync.Mutex
	Handler func(prompt string) (string, error)
	Calls   int
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	return m.Handler(prompt)
}

type MockExecutor struct {
	Handler func(code string) (*sandbox.Result, error)
}

func (m *MockExecutor) Execute(ctx context.Context, code string) (*sandbox.Result, error) {
	return m.Handler(code)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Retry.SleepSeconds = 0
	cfg.Necessity.Check = "NEC %s %s"
	cfg.Verify = config.VerifyPrompts{
		Dependency:          "DEP %s %s",
		Atomicity:           "ATOM %s %s %s",
		ForcedSerialization: "SER %s",
		Completeness:        "COMP %s %s %s",
	}
	cfg.Synthesis = config.SynthesisPrompts{
		ToolDocument:      "DOC %s",
		ComplexityScaling: "SCALE %s",
		CallStatement:     "CALL %s | %s",
		Deployment:        "DEPLOY %s | %s | %s",
	}
	cfg.Merge = config.MergePrompts{
		IntentAggregation: "AGG %s",
		PatchMock:         "PATCH %s | %s | %s | %s",
		CallGen:           "GEN %s | %s | %s | %s",
	}
	return cfg
}

const mergedCode = `def get_stock_price(symbol):
    data = {"AAPL": "150", "MSFT": "300"}
    return data[symbol]`

func fullRunHandler(necessityVerdicts string) func(prompt string) (string, error) {
	return func(prompt string) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "NEC"):
			return necessityVerdicts, nil
		case strings.HasPrefix(prompt, "DEPLOY"):
			if strings.Contains(prompt, "AAPL") {
				return `{"function": "def get_stock_price(symbol):\n    return \"150\"", "analysis": "ok"}`, nil
			}
			return `{"function": "def get_stock_price(symbol):\n    return \"300\"", "analysis": "ok"}`, nil
		case strings.HasPrefix(prompt, "DEP"):
			return `{"score": 1, "reason": "required"}`, nil
		case strings.HasPrefix(prompt, "ATOM"):
			return `{
				"n1": {"is_atomic": 1, "reason_atomic": "one call"},
				"n2": {"is_atomic": 1, "reason_atomic": "one call"}
			}`, nil
		case strings.HasPrefix(prompt, "SER"):
			return `{"score": 1, "problematic_steps": [], "reasoning": "independent"}`, nil
		case strings.HasPrefix(prompt, "COMP"):
			return `{"score": 1, "thought": "covered"}`, nil
		case strings.HasPrefix(prompt, "DOC"):
			return `{"tool": {"name": "get_stock_price"}, "analysis": "ok"}`, nil
		case strings.HasPrefix(prompt, "SCALE"):
			return `{"refined_version": {"name": "get_stock_price", "parameters": {"symbol": "str"}}, "analysis": "ok"}`, nil
		case strings.HasPrefix(prompt, "CALL"):
			if strings.Contains(prompt, "Apple") {
				return `{"call": "get_stock_price(\"AAPL\")", "analysis": "ok"}`, nil
			}
			return `{"call": "get_stock_price(\"MSFT\")", "analysis": "ok"}`, nil
		case strings.HasPrefix(prompt, "AGG"):
			return `{"clusters": [{"_uuids": ["n1", "n2"], "intent_summary": "stock price lookup", "reason": "same capability"}]}`, nil
		case strings.HasPrefix(prompt, "PATCH"):
			return "```python\n" + mergedCode + "\n```", nil
		case strings.HasPrefix(prompt, "GEN"):
			return `[
				{"_uuid": "n1", "tool_call_statement": "get_stock_price(\"AAPL\")"},
				{"_uuid": "n2", "tool_call_statement": "get_stock_price(\"MSFT\")"}
			]`, nil
		}
		return "", nil
	}
}

func routingSandbox(code string) (*sandbox.Result, error) {
	stdout := ""
	if strings.Contains(code, `print(get_stock_price("AAPL"))`) {
		stdout = "150\n"
	} else if strings.Contains(code, `print(get_stock_price("MSFT"))`) {
		stdout = "300\n"
	}
	return &sandbox.Result{Status: "Success", Run: sandbox.RunDetails{Stdout: stdout}}, nil
}

func testGraph() *model.Graph {
	return &model.Graph{
		UUID:         "g1",
		MainQuestion: "Which is worth more, Apple or Microsoft stock?",
		FinalAnswer:  "Microsoft",
		Trace: []*model.Node{
			{UUID: "n1", HopLevel: 1, SubQuestion: "What is the stock price of Apple?", SubAnswer: "150", IsParallel: true},
			{UUID: "n2", HopLevel: 1, SubQuestion: "What is the stock price of Microsoft?", SubAnswer: "300", IsParallel: true},
		},
	}
}

func TestPipelineRunEndToEnd(t *testing.T) {
	verdicts := `[
		{"_uuid": "n1", "tool_necessity": true, "reason": "needs lookup"},
		{"_uuid": "n2", "tool_necessity": true, "reason": "needs lookup"}
	]`
	mockLLM := &MockLLMClient{Handler: fullRunHandler(verdicts)}
	exec := &MockExecutor{Handler: routingSandbox}

	p := NewPipeline(testConfig(), mockLLM, exec)
	g := testGraph()

	summary, err := p.Run(context.Background(), []*model.Graph{g})

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.TotalGraphs)
	assert.Equal(t, 1, summary.AdmittedGraphs)
	assert.Equal(t, 0, summary.RejectedGraphs)
	assert.Equal(t, 2, summary.SynthesizedNodes)
	assert.Equal(t, 0, summary.ExhaustedNodes)
	assert.Equal(t, 1, summary.MergedClusters)

	assert.Equal(t, model.ScenarioParallelSingleHop, g.ScenarioType)
	assert.True(t, g.ToolNecessityLegitimacy)
	assert.Equal(t, 1.0, g.VerifyResult.OverallScore)

	assert.Len(t, g.AggregatedEnv, 1)
	assert.Equal(t, model.MergeSuccess, g.AggregatedEnv[0].Status)

	for uuid, call := range map[string]string{
		"n1": `get_stock_price("AAPL")`,
		"n2": `get_stock_price("MSFT")`,
	} {
		env := g.EnvResult[uuid]
		assert.True(t, env.Verified, uuid)
		assert.True(t, env.MergeFlag, uuid)
		assert.Equal(t, mergedCode, env.Code, uuid)
		assert.Equal(t, call, env.CallStatement, uuid)
	}
}

func TestPipelineRejectsIllegitimateGraph(t *testing.T) {
	// n1 is depended upon but judged to need no tool, so the graph is
	// illegitimate and never reaches synthesis.
	verdicts := `[
		{"_uuid": "n1", "tool_necessity": false, "reason": "common knowledge"},
		{"_uuid": "n2", "tool_necessity": true, "reason": "needs lookup"}
	]`
	mockLLM := &MockLLMClient{Handler: fullRunHandler(verdicts)}
	exec := &MockExecutor{Handler: routingSandbox}

	p := NewPipeline(testConfig(), mockLLM, exec)
	g := testGraph()
	g.Trace[1].HopLevel = 2
	g.Trace[1].IsParallel = false
	g.Trace[1].Dependency = []string{"n1"}

	summary, err := p.Run(context.Background(), []*model.Graph{g})

	assert.NoError(t, err)
	assert.Equal(t, 0, summary.AdmittedGraphs)
	assert.Equal(t, 1, summary.RejectedGraphs)
	assert.False(t, g.ToolNecessityLegitimacy)
	assert.NotNil(t, g.VerifyResult) // rejected graphs keep their scores
	assert.Nil(t, g.EnvResult)
	assert.Empty(t, g.AggregatedEnv)
}

func TestPipelineEmptyBatch(t *testing.T) {
	p := NewPipeline(testConfig(), &MockLLMClient{Handler: fullRunHandler("[]")}, &MockExecutor{Handler: routingSandbox})

	summary, err := p.Run(context.Background(), nil)

	assert.NoError(t, err)
	assert.Equal(t, 0, summary.TotalGraphs)
}
