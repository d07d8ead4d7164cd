package necessity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/common"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
)

// Checker annotates every node of a graph with tool necessity via one batched
// classification call, then computes the legitimacy invariant: every node
// that appears in another node's dependency list must be tool-backed.
type Checker struct {
	LLM        llm.CompletionClient
	Prompts    config.NecessityPrompts
	MaxRetries int
}

func NewChecker(client llm.CompletionClient, prompts config.NecessityPrompts, maxRetries int) *Checker {
	return &Checker{
		LLM:        client,
		Prompts:    prompts,
		MaxRetries: maxRetries,
	}
}

type verdict struct {
	UUID          string `json:"_uuid"`
	ToolNecessity bool   `json:"tool_necessity"`
	Reason        string `json:"reason"`
}

// Annotate mutates the graph in place. On retry exhaustion the nodes keep
// tool_necessity=false and the graph is marked illegitimate; the returned
// error is a log signal, not a reason to drop the record.
func (c *Checker) Annotate(ctx context.Context, g *model.Graph) error {
	traceJSON, err := json.Marshal(g.Trace)
	if err != nil {
		return fmt.Errorf("failed to serialize decomposition trace: %w", err)
	}

	prompt := fmt.Sprintf(c.Prompts.Check, g.MainQuestion, string(traceJSON))

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		response, err := c.LLM.Generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		verdicts, err := common.ParseJSON[[]verdict](response)
		if err != nil {
			lastErr = err
			continue
		}

		if err := c.apply(g, verdicts); err != nil {
			lastErr = err
			continue
		}

		g.ToolNecessityLegitimacy = c.legitimate(g)
		return nil
	}

	g.ToolNecessityLegitimacy = false
	return fmt.Errorf("necessity check exhausted %d retries for graph %s: %w", c.MaxRetries, g.UUID, lastErr)
}

func (c *Checker) apply(g *model.Graph, verdicts []verdict) error {
	if len(verdicts) != len(g.Trace) {
		return fmt.Errorf("%w: verdict count %d does not match trace length %d",
			common.ErrMalformedOutput, len(verdicts), len(g.Trace))
	}

	for idx, v := range verdicts {
		if v.UUID != g.Trace[idx].UUID {
			return fmt.Errorf("%w: verdict uuid %q does not match node uuid %q",
				common.ErrMalformedOutput, v.UUID, g.Trace[idx].UUID)
		}
	}

	for idx, v := range verdicts {
		g.Trace[idx].ToolNecessity = v.ToolNecessity
		g.Trace[idx].ToolNecessityReason = v.Reason
	}
	return nil
}

func (c *Checker) legitimate(g *model.Graph) bool {
	nonLeaf := g.NonLeafUUIDs()
	for _, n := range g.Trace {
		if nonLeaf[n.UUID] && !n.ToolNecessity {
			return false
		}
	}
	return true
}
