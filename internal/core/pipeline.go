package core

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core/aggregate"
	"github.com/agentforge/envsynth/internal/core/filter"
	"github.com/agentforge/envsynth/internal/core/merge"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/core/necessity"
	"github.com/agentforge/envsynth/internal/core/synthesis"
	"github.com/agentforge/envsynth/internal/core/verify"
	"github.com/agentforge/envsynth/internal/llm"
	"github.com/agentforge/envsynth/internal/sandbox"
)

// Pipeline drives a batch of decomposition graphs through the full stage
// sequence: necessity annotation, structural verification, percentile
// filtering, tool synthesis, intent aggregation and environment merging.
//
// Stages run graph-parallel up to GraphWorkers, with a barrier between
// stages: filtering needs every score before it can pick the threshold.
type Pipeline struct {
	Necessity   *necessity.Checker
	Verifier    *verify.Verifier
	Synthesizer *synthesis.Synthesizer
	Aggregator  *aggregate.Aggregator
	Merger      *merge.Merger

	Percentile   float64
	GraphWorkers int
}

func NewPipeline(cfg *config.Config, client llm.CompletionClient, exec sandbox.Executor) *Pipeline {
	return &Pipeline{
		Necessity:    necessity.NewChecker(client, cfg.Necessity, cfg.Retry.NecessityMax),
		Verifier:     verify.NewVerifier(client, cfg.Verify),
		Synthesizer:  synthesis.NewSynthesizer(client, exec, cfg.Synthesis, cfg.Retry),
		Aggregator:   aggregate.NewAggregator(client, cfg.Merge, cfg.Retry.AggregationMax),
		Merger:       merge.NewMerger(client, exec, cfg.Merge, cfg.Retry),
		Percentile:   cfg.Filter.Percentile,
		GraphWorkers: cfg.Concurrency.GraphWorkers,
	}
}

// RunSummary reports batch-level counts for the operator log and the run
// endpoint response.
type RunSummary struct {
	TotalGraphs      int     `json:"total_graphs"`
	AdmittedGraphs   int     `json:"admitted_graphs"`
	RejectedGraphs   int     `json:"rejected_graphs"`
	Threshold        float64 `json:"threshold"`
	SynthesizedNodes int     `json:"synthesized_nodes"`
	ExhaustedNodes   int     `json:"exhausted_nodes"`
	MergedClusters   int     `json:"merged_clusters"`
	FailedClusters   int     `json:"failed_clusters"`
}

// Run mutates the graphs in place and returns the batch summary. Rejected
// graphs keep their annotations and scores so the caller can persist the full
// batch; only admitted graphs reach synthesis and merging.
func (p *Pipeline) Run(ctx context.Context, graphs []*model.Graph) (*RunSummary, error) {
	summary := &RunSummary{TotalGraphs: len(graphs)}
	if len(graphs) == 0 {
		return summary, nil
	}

	// Stage 1: necessity annotation plus scenario classification.
	if err := p.forEach(ctx, graphs, func(ctx context.Context, g *model.Graph) error {
		if g.ScenarioType == "" {
			g.ScenarioType = g.ClassifyScenario()
		}
		if err := p.Necessity.Annotate(ctx, g); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Printf("necessity annotation degraded for graph %s: %v", g.UUID, err)
		}
		return nil
	}); err != nil {
		return summary, fmt.Errorf("necessity stage: %w", err)
	}

	// Stage 2: structural verification.
	if err := p.forEach(ctx, graphs, func(ctx context.Context, g *model.Graph) error {
		g.VerifyResult = p.Verifier.Verify(ctx, g)
		return ctx.Err()
	}); err != nil {
		return summary, fmt.Errorf("verification stage: %w", err)
	}

	// Stage 3: percentile gate over the whole batch.
	threshold, _ := filter.Threshold(graphs, p.Percentile)
	admitted, rejected := filter.Admit(graphs, p.Percentile)
	summary.Threshold = threshold
	summary.AdmittedGraphs = len(admitted)
	summary.RejectedGraphs = len(rejected)

	// Stage 4: tool synthesis for admitted graphs.
	if err := p.forEach(ctx, admitted, func(ctx context.Context, g *model.Graph) error {
		return p.Synthesizer.SynthesizeGraph(ctx, g)
	}); err != nil {
		return summary, fmt.Errorf("synthesis stage: %w", err)
	}

	// Stage 5: intent aggregation and merging.
	if err := p.forEach(ctx, admitted, func(ctx context.Context, g *model.Graph) error {
		if err := p.Aggregator.Cluster(ctx, g); err != nil {
			return err
		}
		return p.Merger.MergeGraph(ctx, g)
	}); err != nil {
		return summary, fmt.Errorf("merge stage: %w", err)
	}

	for _, g := range admitted {
		for _, n := range g.Trace {
			if !n.ToolNecessity {
				continue
			}
			if env := g.EnvResult[n.UUID]; env != nil && env.Verified {
				summary.SynthesizedNodes++
			} else {
				summary.ExhaustedNodes++
			}
		}
		for _, result := range g.AggregatedEnv {
			if result.Status == model.MergeSuccess {
				summary.MergedClusters++
			} else {
				summary.FailedClusters++
			}
		}
	}

	return summary, nil
}

func (p *Pipeline) forEach(ctx context.Context, graphs []*model.Graph, fn func(context.Context, *model.Graph) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	workers := p.GraphWorkers
	if workers < 1 {
		workers = 1
	}
	eg.SetLimit(workers)

	for _, g := range graphs {
		graph := g
		eg.Go(func() error {
			return fn(egCtx, graph)
		})
	}
	return eg.Wait()
}
