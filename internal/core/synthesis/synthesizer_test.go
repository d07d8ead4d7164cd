package synthesis

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/sandbox"
)

type MockLLMClient struct {
	mu      sync.Mutex
	Handler func(prompt string) (string, error)
	Prompts []string
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	return m.Handler(prompt)
}

type MockExecutor struct {
	mu      sync.Mutex
	Handler func(code string) (*sandbox.Result, error)
	Codes   []string
}

func (m *MockExecutor) Execute(ctx context.Context, code string) (*sandbox.Result, error) {
	m.mu.Lock()
	m.Codes = append(m.Codes, code)
	m.mu.Unlock()
	return m.Handler(code)
}

func testPrompts() config.SynthesisPrompts {
	return config.SynthesisPrompts{
		ToolDocument:      "DOC %s",
		ComplexityScaling: "SCALE %s",
		CallStatement:     "CALL %s | %s",
		Deployment:        "DEPLOY %s | %s | %s",
	}
}

func stageHandler(prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, "DOC"):
		return `{"tool": {"name": "get_market_cap", "description": "look up a market cap"}, "analysis": "ok"}`, nil
	case strings.HasPrefix(prompt, "SCALE"):
		return `{"refined_version": {"name": "get_market_cap", "parameters": {"symbol": "str", "currency": "str"}}, "analysis": "ok"}`, nil
	case strings.HasPrefix(prompt, "CALL"):
		return `{"call": "get_market_cap(\"AAPL\", \"USD\")", "analysis": "ok"}`, nil
	case strings.HasPrefix(prompt, "DEPLOY"):
		return `{"function": "def get_market_cap(symbol, currency):\n    return \"3T\"", "analysis": "ok"}`, nil
	}
	return "", nil
}

func newTestSynthesizer(llmHandler func(string) (string, error), execHandler func(string) (*sandbox.Result, error)) (*Synthesizer, *MockExecutor) {
	exec := &MockExecutor{Handler: execHandler}
	s := &Synthesizer{
		LLM:         &MockLLMClient{Handler: llmHandler},
		Sandbox:     exec,
		Prompts:     testPrompts(),
		InnerMax:    2,
		OuterMax:    2,
		NodeWorkers: 2,
	}
	return s, exec
}

func passingSandbox(code string) (*sandbox.Result, error) {
	return &sandbox.Result{
		Status: "Success",
		Run:    sandbox.RunDetails{Stdout: "3T\n"},
	}, nil
}

func TestSynthesizeNodeHappyPath(t *testing.T) {
	s, exec := newTestSynthesizer(stageHandler, passingSandbox)

	g := &model.Graph{UUID: "g1"}
	n := &model.Node{UUID: "n1", HopLevel: 1, SubQuestion: "What is the market cap of Apple?", SubAnswer: "3T", ToolNecessity: true}

	env, err := s.SynthesizeNode(context.Background(), g, n)

	require.NoError(t, err)
	require.NotNil(t, env)
	assert.True(t, env.Verified)
	assert.Equal(t, "get_market_cap", env.ToolDocument["name"])
	assert.NotNil(t, env.RefinedToolDocument["parameters"])
	assert.Equal(t, `get_market_cap("AAPL", "USD")`, env.CallStatement)
	assert.Contains(t, env.Code, "def get_market_cap")
	assert.Equal(t, "3T\n", env.ToolCallOutput)

	// The sandbox receives the code with the invocation printed.
	assert.Len(t, exec.Codes, 1)
	assert.Contains(t, exec.Codes[0], `print(get_market_cap("AAPL", "USD"))`)
}

func TestBuildQuestionAppendsDependencyAnswers(t *testing.T) {
	s, _ := newTestSynthesizer(stageHandler, passingSandbox)

	g := &model.Graph{Trace: []*model.Node{
		{UUID: "n1", HopLevel: 1, SubQuestion: "Which company did Steve Jobs found?", SubAnswer: "Apple"},
		{UUID: "n2", HopLevel: 2, SubQuestion: "What is its market cap?", Dependency: []string{"n1"}},
	}}

	question := s.buildQuestion(g, g.Trace[1])

	assert.Contains(t, question, "What is its market cap?")
	assert.Contains(t, question, "Additional Information")
	assert.Contains(t, question, "A: Apple")
}

func TestSynthesizeNodeExhaustionReturnsNil(t *testing.T) {
	failingSandbox := func(code string) (*sandbox.Result, error) {
		return &sandbox.Result{
			Status: "Failed",
			Run:    sandbox.RunDetails{Stderr: "NameError: boom"},
		}, nil
	}
	s, exec := newTestSynthesizer(stageHandler, failingSandbox)

	g := &model.Graph{UUID: "g1"}
	n := &model.Node{UUID: "n1", HopLevel: 1, SubQuestion: "q", SubAnswer: "a", ToolNecessity: true}

	env, err := s.SynthesizeNode(context.Background(), g, n)

	assert.Error(t, err)
	assert.Nil(t, env)
	// Stage four retries generation+execution InnerMax times within each of
	// the OuterMax whole-sequence regenerations.
	assert.Len(t, exec.Codes, (s.InnerMax+1)*(s.OuterMax+1))
}

func TestSandboxFailureRegeneratesOnlyDeployment(t *testing.T) {
	var sandboxCalls int
	var mu sync.Mutex
	flakySandbox := func(code string) (*sandbox.Result, error) {
		mu.Lock()
		sandboxCalls++
		first := sandboxCalls == 1
		mu.Unlock()
		if first {
			return &sandbox.Result{Status: "Failed", Run: sandbox.RunDetails{Stderr: "NameError: boom"}}, nil
		}
		return passingSandbox(code)
	}
	s, exec := newTestSynthesizer(stageHandler, flakySandbox)

	g := &model.Graph{UUID: "g1"}
	n := &model.Node{UUID: "n1", HopLevel: 1, SubQuestion: "q", SubAnswer: "3T", ToolNecessity: true}

	env, err := s.SynthesizeNode(context.Background(), g, n)

	require.NoError(t, err)
	require.NotNil(t, env)
	assert.True(t, env.Verified)
	assert.Len(t, exec.Codes, 2)

	// The sandbox failure regenerated the code but not stages one to three.
	mockLLM := s.LLM.(*MockLLMClient)
	assert.Equal(t, 1, countPrompts(mockLLM, "DOC"))
	assert.Equal(t, 1, countPrompts(mockLLM, "SCALE"))
	assert.Equal(t, 1, countPrompts(mockLLM, "CALL"))
	assert.Equal(t, 2, countPrompts(mockLLM, "DEPLOY"))
}

func countPrompts(m *MockLLMClient, prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.Prompts {
		if strings.HasPrefix(p, prefix) {
			count++
		}
	}
	return count
}

func TestSynthesizeNodeRejectsWrongAnswer(t *testing.T) {
	wrongSandbox := func(code string) (*sandbox.Result, error) {
		return &sandbox.Result{
			Status: "Success",
			Run:    sandbox.RunDetails{Stdout: "something else entirely"},
		}, nil
	}
	s, _ := newTestSynthesizer(stageHandler, wrongSandbox)

	g := &model.Graph{UUID: "g1"}
	n := &model.Node{UUID: "n1", HopLevel: 1, SubQuestion: "q", SubAnswer: "3T", ToolNecessity: true}

	env, err := s.SynthesizeNode(context.Background(), g, n)

	assert.Error(t, err)
	assert.Nil(t, env)
	assert.Contains(t, err.Error(), "expected answer")
}

func TestSynthesizeGraph(t *testing.T) {
	s, _ := newTestSynthesizer(stageHandler, passingSandbox)

	g := &model.Graph{
		UUID: "g1",
		Trace: []*model.Node{
			{UUID: "n1", HopLevel: 1, SubQuestion: "common knowledge", SubAnswer: "x", ToolNecessity: false},
			{UUID: "n2", HopLevel: 1, SubQuestion: "What is the market cap of Apple?", SubAnswer: "3T", ToolNecessity: true},
		},
	}

	err := s.SynthesizeGraph(context.Background(), g)

	assert.NoError(t, err)
	assert.Len(t, g.EnvResult, 2)
	assert.Nil(t, g.EnvResult["n1"])
	assert.NotNil(t, g.EnvResult["n2"])
	assert.True(t, g.EnvResult["n2"].Verified)
}

func TestSynthesizeNodeRetriesMalformedStage(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "DOC") {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return "not json", nil
			}
		}
		return stageHandler(prompt)
	}
	s, _ := newTestSynthesizer(handler, passingSandbox)

	g := &model.Graph{UUID: "g1"}
	n := &model.Node{UUID: "n1", HopLevel: 1, SubQuestion: "q", SubAnswer: "3T", ToolNecessity: true}

	env, err := s.SynthesizeNode(context.Background(), g, n)

	assert.NoError(t, err)
	assert.True(t, env.Verified)
	assert.Equal(t, 2, calls)
}
