package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/common"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
	"github.com/agentforge/envsynth/internal/sandbox"
)

// Merger collapses each intent cluster into one shared tool implementation.
// The first member's code is the base; the mock data section is patched until
// the single callable answers every member's case, then per-member call
// statements are regenerated and re-verified in the sandbox.
//
// Member environments are rewritten only when the merge fully succeeds. Any
// other outcome leaves the per-node artifacts exactly as the synthesizer
// produced them, with the best attempt recorded on the MergeResult.
type Merger struct {
	LLM        llm.CompletionClient
	Sandbox    sandbox.Executor
	Prompts    config.MergePrompts
	MaxRetries int
	Sleep      time.Duration
}

func NewMerger(client llm.CompletionClient, exec sandbox.Executor, prompts config.MergePrompts, retry config.RetryConfig) *Merger {
	return &Merger{
		LLM:        client,
		Sandbox:    exec,
		Prompts:    prompts,
		MaxRetries: retry.MergeMax,
		Sleep:      time.Duration(retry.SleepSeconds) * time.Second,
	}
}

// MergeGraph processes every cluster of the graph and fills g.AggregatedEnv.
// Successful multi-member merges overwrite the member environments in place.
func (m *Merger) MergeGraph(ctx context.Context, g *model.Graph) error {
	results := make([]*model.MergeResult, 0, len(g.Clusters))
	for _, cluster := range g.Clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := m.mergeCluster(ctx, g, cluster)
		m.apply(g, result)
		results = append(results, result)
	}
	g.AggregatedEnv = results
	return nil
}

type member struct {
	uuid string
	env  *model.EnvResult
}

func (m *Merger) mergeCluster(ctx context.Context, g *model.Graph, cluster model.IntentCluster) *model.MergeResult {
	result := &model.MergeResult{
		IntentSummary: cluster.IntentSummary,
		Reason:        cluster.Reason,
		UUIDs:         cluster.UUIDs,
	}

	var members []member
	for _, uuid := range cluster.UUIDs {
		env := g.EnvResult[uuid]
		if env != nil && env.Verified {
			members = append(members, member{uuid: uuid, env: env})
		}
	}

	switch len(members) {
	case 0:
		result.Status = model.MergeNoData
		result.Error = "no verified environments in cluster"
		return result
	case 1:
		// Nothing to merge; the member keeps its own environment.
		result.Status = model.MergeSuccess
		result.MergedCode = members[0].env.Code
		result.ToolCallStatements = []model.MemberCall{memberCall(members[0])}
		return result
	}

	name, args, ok := extractFunctionSignature(members[0].env.Code)
	if !ok {
		result.Status = model.MergeError
		result.Error = "base code has no parseable function definition"
		return result
	}
	signature := fmt.Sprintf("%s(%s)", name, args)
	cases := formatCases(members)

	baseCode := members[0].env.Code
	var best *model.MergeVerification
	var bestCode string
	var bestCalls []model.MemberCall
	var lastErr error

	for attempt := 1; attempt <= m.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		if attempt > 1 && m.Sleep > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.Sleep):
			}
			if ctx.Err() != nil {
				break
			}
		}

		// Each attempt regenerates from the base code rather than patching
		// the previous attempt's output.
		merged, err := m.patchMock(ctx, cluster.IntentSummary, signature, cases, baseCode)
		if err != nil {
			lastErr = err
			continue
		}

		calls, err := m.generateCalls(ctx, name, args, cases, merged, members)
		if err != nil {
			lastErr = err
			continue
		}

		verification := m.verifyMembers(ctx, merged, calls, members)
		verification.RetryCount = attempt

		// Ties go to the latest attempt, so RetryCount records the final
		// attempt that achieved the best pass count.
		if best == nil || verification.PassedCount >= best.PassedCount {
			best = verification
			bestCode = merged
			bestCalls = calls
		}

		if verification.AllTestsPassed {
			break
		}
	}

	if best == nil {
		result.Status = model.MergeError
		if lastErr != nil {
			result.Error = lastErr.Error()
		} else if err := ctx.Err(); err != nil {
			result.Error = err.Error()
		}
		return result
	}

	result.MergedCode = bestCode
	result.ToolCallStatements = bestCalls
	result.Verification = best
	switch {
	case best.AllTestsPassed:
		result.Status = model.MergeSuccess
	case best.PassedCount > 0:
		result.Status = model.MergePartialSuccess
	default:
		result.Status = model.MergeFailed
	}
	if lastErr != nil && result.Status != model.MergeSuccess {
		result.Error = lastErr.Error()
	}
	return result
}

// apply rewrites member environments for fully successful multi-member
// merges. Everything else is a no-op on the graph's per-node artifacts.
func (m *Merger) apply(g *model.Graph, result *model.MergeResult) {
	if result.Status != model.MergeSuccess || result.Verification == nil {
		return
	}

	outputs := make(map[string]string, len(result.Verification.TestResults))
	for _, t := range result.Verification.TestResults {
		outputs[t.UUID] = t.Stdout
	}

	for _, call := range result.ToolCallStatements {
		env := g.EnvResult[call.UUID]
		if env == nil {
			continue
		}
		updated := env.Clone()
		updated.Code = result.MergedCode
		updated.CallStatement = call.CallStatement
		updated.ToolCallOutput = outputs[call.UUID]
		updated.MergeFlag = true
		g.EnvResult[call.UUID] = updated
	}
}

func (m *Merger) patchMock(ctx context.Context, intent, signature, cases, code string) (string, error) {
	intentLine := fmt.Sprintf("Shared capability: %s", intent)
	prompt := fmt.Sprintf(m.Prompts.PatchMock, intentLine, signature, cases, code)

	response, err := m.LLM.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("mock patch: %w", err)
	}

	merged := common.StripCodeFences(response)
	if merged == "" {
		return "", fmt.Errorf("mock patch: %w: empty code", common.ErrMalformedOutput)
	}
	if !strings.Contains(merged, "def ") {
		return "", fmt.Errorf("mock patch: %w: response is not a function definition", common.ErrMalformedOutput)
	}
	return merged, nil
}

type callVerdict struct {
	UUID          string `json:"_uuid"`
	CallStatement string `json:"tool_call_statement"`
}

func (m *Merger) generateCalls(ctx context.Context, name, args, cases, merged string, members []member) ([]model.MemberCall, error) {
	prompt := fmt.Sprintf(m.Prompts.CallGen, name, args, cases, merged)

	response, err := m.LLM.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("call generation: %w", err)
	}

	verdicts, err := common.ParseJSON[[]callVerdict](response)
	if err != nil {
		return nil, fmt.Errorf("call generation: %w", err)
	}

	byUUID := make(map[string]string, len(verdicts))
	for _, v := range verdicts {
		byUUID[v.UUID] = common.NormalizeCallStatement(v.CallStatement)
	}

	calls := make([]model.MemberCall, 0, len(members))
	for _, mb := range members {
		call, ok := byUUID[mb.uuid]
		if !ok || call == "" {
			return nil, fmt.Errorf("call generation: %w: no call statement for member %s", common.ErrMalformedOutput, mb.uuid)
		}
		calls = append(calls, model.MemberCall{
			UUID:          mb.uuid,
			CallStatement: call,
			Question:      mb.env.Question,
			Answer:        mb.env.Answer,
		})
	}
	return calls, nil
}

// verifyMembers runs the merged code once per member and checks each member's
// answer against its own invocation output.
func (m *Merger) verifyMembers(ctx context.Context, merged string, calls []model.MemberCall, members []member) *model.MergeVerification {
	answers := make(map[string]string, len(members))
	for _, mb := range members {
		answers[mb.uuid] = mb.env.Answer
	}

	verification := &model.MergeVerification{
		TotalCount: len(calls),
	}

	for _, call := range calls {
		test := model.MemberTest{UUID: call.UUID}

		result, err := m.Sandbox.Execute(ctx, sandbox.WithCall(merged, call.CallStatement))
		switch {
		case err != nil:
			test.Status = "error"
			test.Reason = err.Error()
		case !result.Success():
			test.Status = "failed"
			test.Stdout = result.Run.Stdout
			test.Reason = firstNonEmpty(result.Run.Stderr, result.Error, result.Status)
		case !strings.Contains(result.Run.Stdout, strings.TrimSpace(answers[call.UUID])):
			test.Status = "failed"
			test.Stdout = result.Run.Stdout
			test.Reason = "output does not contain the expected answer"
		default:
			test.Status = "passed"
			test.Stdout = result.Run.Stdout
			verification.PassedCount++
		}

		verification.TestResults = append(verification.TestResults, test)
	}

	verification.AllTestsPassed = verification.PassedCount == verification.TotalCount && verification.TotalCount > 0
	return verification
}

func memberCall(mb member) model.MemberCall {
	return model.MemberCall{
		UUID:          mb.uuid,
		CallStatement: mb.env.CallStatement,
		Question:      mb.env.Question,
		Answer:        mb.env.Answer,
	}
}

func formatCases(members []member) string {
	var sb strings.Builder
	for _, mb := range members {
		fmt.Fprintf(&sb, "- %s\n  Q: %s\n  A: %s\n", mb.uuid, mb.env.Question, mb.env.Answer)
	}
	return sb.String()
}

var funcDefPattern = regexp.MustCompile(`(?m)^def\s+([A-Za-z_]\w*)\s*\(`)

// extractFunctionSignature finds the first top-level function definition in
// the generated code and returns its name and parameter list. The parameter
// list is scanned to the matching close paren, so defaults with nested parens
// and parameters spanning multiple lines parse correctly.
func extractFunctionSignature(code string) (name, args string, ok bool) {
	loc := funcDefPattern.FindStringSubmatchIndex(code)
	if loc == nil {
		return "", "", false
	}
	name = code[loc[2]:loc[3]]

	depth := 1
	start := loc[1]
	for i := start; i < len(code); i++ {
		switch code[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				args = strings.Join(strings.Fields(code[start:i]), " ")
				return name, args, true
			}
		}
	}
	return "", "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "unknown failure"
}
