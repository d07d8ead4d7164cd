package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/common"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
	"github.com/agentforge/envsynth/internal/sandbox"
)

// Synthesizer builds a verified mock tool environment for every tool-backed
// node of a graph. Synthesis runs four stages per node: tool document,
// complexity scaling, call statement and deployment, then the generated code
// is executed in the sandbox and the node's answer checked against stdout.
//
// Each stage retries transient failures up to InnerMax times; for the final
// stage, code generation and sandbox execution retry as one unit. The full
// four-stage sequence regenerates from scratch up to OuterMax times.
// Exhaustion leaves a nil entry for the node. A non-nil EnvResult is always
// verified.
type Synthesizer struct {
	LLM      llm.CompletionClient
	Sandbox  sandbox.Executor
	Prompts  config.SynthesisPrompts
	InnerMax int
	OuterMax int
	Sleep    time.Duration

	// NodeWorkers bounds per-graph node parallelism. Zero means sequential.
	NodeWorkers int
}

func NewSynthesizer(client llm.CompletionClient, exec sandbox.Executor, prompts config.SynthesisPrompts, retry config.RetryConfig) *Synthesizer {
	return &Synthesizer{
		LLM:         client,
		Sandbox:     exec,
		Prompts:     prompts,
		InnerMax:    retry.InnerMax,
		OuterMax:    retry.OuterMax,
		Sleep:       time.Duration(retry.SleepSeconds) * time.Second,
		NodeWorkers: 4,
	}
}

// SynthesizeGraph fills g.EnvResult with one entry per tool-backed node.
// Nodes without tool necessity and nodes that exhaust retries map to nil.
// The error reports context cancellation only; per-node exhaustion is
// recorded in the map and logged.
func (s *Synthesizer) SynthesizeGraph(ctx context.Context, g *model.Graph) error {
	results := make(map[string]*model.EnvResult, len(g.Trace))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	if s.NodeWorkers > 0 {
		eg.SetLimit(s.NodeWorkers)
	} else {
		eg.SetLimit(1)
	}

	for _, n := range g.Trace {
		node := n
		if !node.ToolNecessity {
			mu.Lock()
			results[node.UUID] = nil
			mu.Unlock()
			continue
		}
		eg.Go(func() error {
			env, err := s.SynthesizeNode(egCtx, g, node)
			if err != nil {
				if egCtx.Err() != nil {
					return err
				}
				log.Printf("synthesis exhausted for graph %s node %s: %v", g.UUID, node.UUID, err)
				env = nil
			}
			mu.Lock()
			results[node.UUID] = env
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	g.EnvResult = results
	return nil
}

// SynthesizeNode runs the full four-stage cycle for one node. The returned
// EnvResult is verified; on exhaustion it returns (nil, err).
func (s *Synthesizer) SynthesizeNode(ctx context.Context, g *model.Graph, n *model.Node) (*model.EnvResult, error) {
	question := s.buildQuestion(g, n)

	var lastErr error
	for attempt := 0; attempt <= s.OuterMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 && s.Sleep > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.Sleep):
			}
		}

		env, err := s.attempt(ctx, question, n)
		if err != nil {
			lastErr = err
			continue
		}
		return env, nil
	}

	return nil, fmt.Errorf("node %s exhausted %d synthesis attempts: %w", n.UUID, s.OuterMax, lastErr)
}

// buildQuestion renders the node's sub-question, appending the answers of its
// dependencies so the tool can be designed against a self-contained case.
func (s *Synthesizer) buildQuestion(g *model.Graph, n *model.Node) string {
	if len(n.Dependency) == 0 {
		return n.SubQuestion
	}

	var sb strings.Builder
	sb.WriteString(n.SubQuestion)
	sb.WriteString("\n\nAdditional Information:\n")
	for _, dep := range n.Dependency {
		target := g.NodeByUUID(dep)
		if target == nil {
			continue
		}
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n", target.SubQuestion, target.SubAnswer)
	}
	return sb.String()
}

type toolDocumentResponse struct {
	Tool     map[string]any `json:"tool"`
	Analysis string         `json:"analysis"`
}

type refinedResponse struct {
	RefinedVersion map[string]any `json:"refined_version"`
	Analysis       string         `json:"analysis"`
}

type callResponse struct {
	Call     string `json:"call"`
	Analysis string `json:"analysis"`
}

type deploymentResponse struct {
	Function string `json:"function"`
	Analysis string `json:"analysis"`
}

// attempt runs one full generate-then-verify cycle.
func (s *Synthesizer) attempt(ctx context.Context, question string, n *model.Node) (*model.EnvResult, error) {
	doc, err := s.toolDocument(ctx, question)
	if err != nil {
		return nil, err
	}

	refined, err := s.scaleComplexity(ctx, doc)
	if err != nil {
		return nil, err
	}

	call, err := s.callStatement(ctx, question, refined)
	if err != nil {
		return nil, err
	}

	code, stdout, err := s.deployAndVerify(ctx, refined, question, n.SubAnswer, call)
	if err != nil {
		return nil, err
	}

	return &model.EnvResult{
		Question:            question,
		Answer:              n.SubAnswer,
		ToolDocument:        doc,
		RefinedToolDocument: refined,
		CallStatement:       call,
		Code:                code,
		ToolCallOutput:      stdout,
		Verified:            true,
	}, nil
}

func (s *Synthesizer) toolDocument(ctx context.Context, question string) (map[string]any, error) {
	prompt := fmt.Sprintf(s.Prompts.ToolDocument, question)
	resp, err := generateParsed[toolDocumentResponse](ctx, s.LLM, prompt, s.InnerMax)
	if err != nil {
		return nil, fmt.Errorf("tool document stage: %w", err)
	}
	if len(resp.Tool) == 0 {
		return nil, fmt.Errorf("tool document stage: %w: empty tool object", common.ErrMalformedOutput)
	}
	return resp.Tool, nil
}

func (s *Synthesizer) scaleComplexity(ctx context.Context, doc map[string]any) (map[string]any, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("complexity scaling stage: %w", err)
	}
	prompt := fmt.Sprintf(s.Prompts.ComplexityScaling, string(docJSON))
	resp, err := generateParsed[refinedResponse](ctx, s.LLM, prompt, s.InnerMax)
	if err != nil {
		return nil, fmt.Errorf("complexity scaling stage: %w", err)
	}
	if len(resp.RefinedVersion) == 0 {
		return nil, fmt.Errorf("complexity scaling stage: %w: empty refined_version", common.ErrMalformedOutput)
	}
	return resp.RefinedVersion, nil
}

func (s *Synthesizer) callStatement(ctx context.Context, question string, refined map[string]any) (string, error) {
	refinedJSON, err := json.Marshal(refined)
	if err != nil {
		return "", fmt.Errorf("call statement stage: %w", err)
	}
	prompt := fmt.Sprintf(s.Prompts.CallStatement, question, string(refinedJSON))
	resp, err := generateParsed[callResponse](ctx, s.LLM, prompt, s.InnerMax)
	if err != nil {
		return "", fmt.Errorf("call statement stage: %w", err)
	}
	call := common.NormalizeCallStatement(resp.Call)
	if call == "" {
		return "", fmt.Errorf("call statement stage: %w: empty call", common.ErrMalformedOutput)
	}
	return call, nil
}

// deployAndVerify is stage four: generate the implementation and execute it
// against the call statement. Generation and execution retry together up to
// InnerMax times, so a sandbox failure regenerates the code without
// discarding the documents and call statement from the earlier stages.
func (s *Synthesizer) deployAndVerify(ctx context.Context, refined map[string]any, question, answer, call string) (string, string, error) {
	refinedJSON, err := json.Marshal(refined)
	if err != nil {
		return "", "", fmt.Errorf("deployment stage: %w", err)
	}
	caseText := fmt.Sprintf("Q: %s\nA: %s", question, answer)
	prompt := fmt.Sprintf(s.Prompts.Deployment, string(refinedJSON), caseText, call)

	var lastErr error
	for attempt := 0; attempt <= s.InnerMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}

		response, err := s.LLM.Generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		parsed, err := common.ParseJSON[deploymentResponse](response)
		if err != nil {
			lastErr = err
			continue
		}
		code := common.StripCodeFences(parsed.Function)
		if code == "" {
			lastErr = fmt.Errorf("%w: empty function body", common.ErrMalformedOutput)
			continue
		}

		stdout, err := s.verify(ctx, code, call, answer)
		if err != nil {
			lastErr = err
			continue
		}
		return code, stdout, nil
	}
	return "", "", fmt.Errorf("deployment stage: exhausted %d retries: %w", s.InnerMax, lastErr)
}

// verify executes the code with the call printed and requires the node's
// answer as a stdout substring.
func (s *Synthesizer) verify(ctx context.Context, code, call, answer string) (string, error) {
	result, err := s.Sandbox.Execute(ctx, sandbox.WithCall(code, call))
	if err != nil {
		return "", fmt.Errorf("sandbox execution: %w", err)
	}
	if !result.Success() {
		return "", fmt.Errorf("sandbox run failed: %s", firstNonEmpty(result.Run.Stderr, result.Error, result.Status))
	}
	if !strings.Contains(result.Run.Stdout, strings.TrimSpace(answer)) {
		return "", fmt.Errorf("tool output does not contain the expected answer")
	}
	return result.Run.Stdout, nil
}

// generateParsed wraps one completion call with parse validation and a bounded
// retry on transport or format errors.
func generateParsed[T any](ctx context.Context, client llm.CompletionClient, prompt string, maxRetries int) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		response, err := client.Generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		parsed, err := common.ParseJSON[T](response)
		if err != nil {
			lastErr = err
			continue
		}
		return parsed, nil
	}
	return zero, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "unknown failure"
}
