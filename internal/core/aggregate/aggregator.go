package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/common"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
)

// Aggregator clusters a graph's tool-backed nodes by the capability they
// exercise. Every tool-necessity node participates, including nodes whose
// synthesis exhausted retries: clustering judges the question, not the
// synthesis outcome. The clustering must cover each such node exactly once
// or the response is rejected and retried.
type Aggregator struct {
	LLM        llm.CompletionClient
	Prompts    config.MergePrompts
	MaxRetries int
}

func NewAggregator(client llm.CompletionClient, prompts config.MergePrompts, maxRetries int) *Aggregator {
	return &Aggregator{
		LLM:        client,
		Prompts:    prompts,
		MaxRetries: maxRetries,
	}
}

type clusterResponse struct {
	Clusters []model.IntentCluster `json:"clusters"`
}

type clusterInput struct {
	UUID     string `json:"_uuid"`
	Question string `json:"question"`
}

// Cluster fills g.Clusters. On retry exhaustion it falls back to singleton
// clusters, which downstream merging treats as already-final environments.
func (a *Aggregator) Cluster(ctx context.Context, g *model.Graph) error {
	eligible := eligibleUUIDs(g)
	if len(eligible) == 0 {
		g.Clusters = nil
		return nil
	}

	inputs := make([]clusterInput, 0, len(eligible))
	for _, uuid := range eligible {
		inputs = append(inputs, clusterInput{
			UUID:     uuid,
			Question: questionFor(g, uuid),
		})
	}
	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("failed to serialize cluster input: %w", err)
	}

	prompt := fmt.Sprintf(a.Prompts.IntentAggregation, string(inputJSON))

	var lastErr error
	for attempt := 0; attempt <= a.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		response, err := a.LLM.Generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		parsed, err := common.ParseJSON[clusterResponse](response)
		if err != nil {
			lastErr = err
			continue
		}

		if err := validateCoverage(parsed.Clusters, eligible); err != nil {
			lastErr = err
			continue
		}

		g.Clusters = parsed.Clusters
		return nil
	}

	log.Printf("intent aggregation exhausted %d retries for graph %s, falling back to singleton clusters: %v",
		a.MaxRetries, g.UUID, lastErr)
	g.Clusters = singletonClusters(g, eligible)
	return nil
}

// eligibleUUIDs returns, in trace order, the uuids of tool-necessity nodes.
func eligibleUUIDs(g *model.Graph) []string {
	var uuids []string
	for _, n := range g.Trace {
		if n.ToolNecessity {
			uuids = append(uuids, n.UUID)
		}
	}
	return uuids
}

// questionFor prefers the synthesized question (which carries resolved
// dependency context) and falls back to the raw sub-question for nodes whose
// synthesis produced nothing.
func questionFor(g *model.Graph, uuid string) string {
	if env := g.EnvResult[uuid]; env != nil {
		return env.Question
	}
	if n := g.NodeByUUID(uuid); n != nil {
		return n.SubQuestion
	}
	return ""
}

// validateCoverage rejects clusterings that skip, duplicate or invent a uuid.
func validateCoverage(clusters []model.IntentCluster, eligible []string) error {
	allowed := make(map[string]bool, len(eligible))
	for _, uuid := range eligible {
		allowed[uuid] = true
	}

	seen := make(map[string]bool, len(eligible))
	for _, c := range clusters {
		if len(c.UUIDs) == 0 {
			return fmt.Errorf("%w: empty cluster", common.ErrMalformedOutput)
		}
		for _, uuid := range c.UUIDs {
			if !allowed[uuid] {
				return fmt.Errorf("%w: cluster references unknown uuid %q", common.ErrMalformedOutput, uuid)
			}
			if seen[uuid] {
				return fmt.Errorf("%w: uuid %q assigned to multiple clusters", common.ErrMalformedOutput, uuid)
			}
			seen[uuid] = true
		}
	}

	if len(seen) != len(eligible) {
		return fmt.Errorf("%w: clustering covers %d of %d environments", common.ErrMalformedOutput, len(seen), len(eligible))
	}
	return nil
}

func singletonClusters(g *model.Graph, eligible []string) []model.IntentCluster {
	clusters := make([]model.IntentCluster, 0, len(eligible))
	for _, uuid := range eligible {
		clusters = append(clusters, model.IntentCluster{
			UUIDs:         []string{uuid},
			IntentSummary: questionFor(g, uuid),
			Reason:        "fallback: clustering unavailable",
		})
	}
	return clusters
}
