package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/common"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
)

// safeScore is the fallback when a judgment call fails or returns an
// unusable payload. Judgment failures never penalize a graph; only the
// deterministic structural checks force a zero.
const safeScore = 1.0

// Verifier runs the four order-independent scoring passes over an annotated
// graph. The graph itself is never mutated; the caller attaches the result.
type Verifier struct {
	LLM     llm.CompletionClient
	Prompts config.VerifyPrompts
}

func NewVerifier(client llm.CompletionClient, prompts config.VerifyPrompts) *Verifier {
	return &Verifier{
		LLM:     client,
		Prompts: prompts,
	}
}

func (v *Verifier) Verify(ctx context.Context, g *model.Graph) *model.VerifyResult {
	if violation := CheckStructure(g); violation != "" {
		return &model.VerifyResult{
			OverallScore:        0,
			StructuralViolation: violation,
		}
	}

	result := &model.VerifyResult{
		Audit: make(map[string]string, 4),
	}

	type pass struct {
		name  string
		run   func(context.Context, *model.Graph) (float64, string)
		score *float64
	}
	passes := []pass{
		{"dependency", v.dependencyScore, &result.DependencyScore},
		{"atomicity", v.atomicityScore, &result.AtomicityScore},
		{"forced_serialization", v.forcedSerializationScore, &result.ForcedSerializationScore},
		{"subqa_completeness", v.completenessScore, &result.SubQACompletenessScore},
	}

	reasons := make([]string, len(passes))
	eg, egCtx := errgroup.WithContext(ctx)
	for i := range passes {
		p := passes[i]
		idx := i
		eg.Go(func() error {
			score, reason := p.run(egCtx, g)
			*p.score = score
			reasons[idx] = reason
			return nil
		})
	}
	_ = eg.Wait() // passes degrade to safeScore instead of erroring

	sum := 0.0
	for i, p := range passes {
		sum += *p.score
		if reasons[i] != "" {
			result.Audit[p.name] = reasons[i]
		}
	}
	result.OverallScore = sum / float64(len(passes))

	return result
}

type scoreReason struct {
	Score  any    `json:"score"`
	Reason string `json:"reason"`
}

// dependencyScore asks, per node with dependencies, whether the declared
// dependency answers are genuinely required, and averages the verdicts.
// Graphs without any dependent node score safe.
func (v *Verifier) dependencyScore(ctx context.Context, g *model.Graph) (float64, string) {
	type sample struct {
		node    *model.Node
		depText string
	}

	var samples []sample
	for _, n := range g.Trace {
		if len(n.Dependency) == 0 {
			continue
		}
		var sb strings.Builder
		for _, dep := range n.Dependency {
			target := g.NodeByUUID(dep)
			if target == nil {
				continue
			}
			fmt.Fprintf(&sb, "step_%s_query: %s\nstep_%s_answer: %s\n\n",
				target.UUID, target.SubQuestion, target.UUID, target.SubAnswer)
		}
		samples = append(samples, sample{node: n, depText: sb.String()})
	}

	if len(samples) == 0 {
		return safeScore, "no dependent nodes"
	}

	scores := make([]float64, len(samples))
	reasons := make([]string, len(samples))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i := range samples {
		idx := i
		s := samples[i]
		eg.Go(func() error {
			prompt := fmt.Sprintf(v.Prompts.Dependency, s.depText, s.node.SubQuestion)
			response, err := v.LLM.Generate(egCtx, prompt)
			if err != nil {
				scores[idx] = safeScore
				reasons[idx] = fmt.Sprintf("%s: request failed, safe score", s.node.UUID)
				return nil
			}
			parsed, err := common.ParseJSON[scoreReason](response)
			if err != nil {
				scores[idx] = safeScore
				reasons[idx] = fmt.Sprintf("%s: malformed verdict, safe score", s.node.UUID)
				return nil
			}
			scores[idx] = coerceScore(parsed.Score, safeScore)
			reasons[idx] = fmt.Sprintf("%s: %s", s.node.UUID, parsed.Reason)
			return nil
		})
	}
	_ = eg.Wait()

	return mean(scores), strings.Join(reasons, "; ")
}

// atomicityScore judges every step in one call and averages the per-step
// is_atomic verdicts.
func (v *Verifier) atomicityScore(ctx context.Context, g *model.Graph) (float64, string) {
	traceJSON, err := json.Marshal(g.Trace)
	if err != nil {
		return safeScore, "trace serialization failed, safe score"
	}

	prompt := fmt.Sprintf(v.Prompts.Atomicity, g.MainQuestion, g.FinalAnswer, string(traceJSON))
	response, err := v.LLM.Generate(ctx, prompt)
	if err != nil {
		return safeScore, "request failed, safe score"
	}

	parsed, err := common.ParseJSON[map[string]any](response)
	if err != nil {
		return safeScore, "malformed verdict, safe score"
	}

	var scores []float64
	var reasons []string
	for key, value := range parsed {
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		scores = append(scores, coerceScore(entry["is_atomic"], safeScore))
		if reason, ok := entry["reason_atomic"].(string); ok && reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", key, reason))
		}
	}

	if len(scores) == 0 {
		return safeScore, "no per-step verdicts, safe score"
	}
	return mean(scores), strings.Join(reasons, "; ")
}

type forcedSerialVerdict struct {
	Score            any    `json:"score"`
	ProblematicSteps []any  `json:"problematic_steps"`
	Reasoning        string `json:"reasoning"`
}

// forcedSerializationScore flags steps that were serialized without need.
// Each step scores 1 unless named problematic; the pass score is the average.
func (v *Verifier) forcedSerializationScore(ctx context.Context, g *model.Graph) (float64, string) {
	var sb strings.Builder
	for _, n := range g.Trace {
		fmt.Fprintf(&sb, "- id:%s hop:%d is_parallel:%t dep:%v q:%s a:%s\n",
			n.UUID, n.HopLevel, n.IsParallel, n.Dependency, n.SubQuestion, n.SubAnswer)
	}

	prompt := fmt.Sprintf(v.Prompts.ForcedSerialization, sb.String())
	response, err := v.LLM.Generate(ctx, prompt)
	if err != nil {
		return safeScore, "request failed, safe score"
	}

	parsed, err := common.ParseJSON[forcedSerialVerdict](response)
	if err != nil {
		return safeScore, "malformed verdict, safe score"
	}

	problematic := make(map[string]bool, len(parsed.ProblematicSteps))
	for _, step := range parsed.ProblematicSteps {
		problematic[coerceID(step)] = true
	}

	scores := make([]float64, 0, len(g.Trace))
	for _, n := range g.Trace {
		if problematic[n.UUID] {
			scores = append(scores, 0)
		} else {
			scores = append(scores, 1)
		}
	}
	if len(scores) == 0 {
		return safeScore, "empty trace, safe score"
	}
	return mean(scores), parsed.Reasoning
}

type completenessVerdict struct {
	Score   any    `json:"score"`
	Thought string `json:"thought"`
}

// completenessScore judges in one call whether the sub-questions jointly
// cover the main question. Only a clean 0 or 1 is accepted.
func (v *Verifier) completenessScore(ctx context.Context, g *model.Graph) (float64, string) {
	traceJSON, err := json.Marshal(g.Trace)
	if err != nil {
		return safeScore, "trace serialization failed, safe score"
	}

	prompt := fmt.Sprintf(v.Prompts.Completeness, g.MainQuestion, g.FinalAnswer, string(traceJSON))
	response, err := v.LLM.Generate(ctx, prompt)
	if err != nil {
		return safeScore, "request failed, safe score"
	}

	parsed, err := common.ParseJSON[completenessVerdict](response)
	if err != nil {
		return safeScore, "malformed verdict, safe score"
	}

	score := coerceScore(parsed.Score, safeScore)
	if score != 0 && score != 1 {
		return safeScore, "non-binary score, safe score"
	}
	return score, parsed.Thought
}

// coerceScore accepts the numeric and stringified forms models emit and
// clamps into [0,1]. Anything unusable falls back.
func coerceScore(raw any, fallback float64) float64 {
	var score float64
	switch val := raw.(type) {
	case float64:
		score = val
	case int:
		score = float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fallback
		}
		score = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fallback
		}
		score = f
	default:
		return fallback
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func coerceID(raw any) string {
	switch val := raw.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func mean(scores []float64) float64 {
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}
