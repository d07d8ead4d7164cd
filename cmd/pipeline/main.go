package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core"
	"github.com/agentforge/envsynth/internal/llm"
	"github.com/agentforge/envsynth/internal/sandbox"
	"github.com/agentforge/envsynth/internal/store"
)

func main() {
	inputPath := flag.String("input", "", "input JSONL file of decomposition graphs")
	outputPath := flag.String("output", "", "output JSONL file for annotated graphs")
	cfgPath := flag.String("config", "config/config.toml", "path to config.toml")
	flag.Parse()

	if *inputPath == "" || *outputPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("Warning: could not load %s: %v. Using built-in defaults", *cfgPath, err)
		cfg = config.Default()
	}
	if envAPIKey := os.Getenv("LLM_API_KEY"); envAPIKey != "" {
		cfg.LLM.APIKey = envAPIKey
	}
	if envSandbox := os.Getenv("SANDBOX_URL"); envSandbox != "" {
		cfg.Sandbox.URL = envSandbox
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	exec := sandbox.NewHTTPClient(cfg.Sandbox)

	graphs, err := store.ReadGraphs(*inputPath)
	if err != nil {
		log.Fatalf("Failed to load input: %v", err)
	}

	runID := uuid.New().String()
	log.Printf("Run %s: processing %d graphs", runID, len(graphs))

	pipeline := core.NewPipeline(cfg, llmClient, exec)
	summary, err := pipeline.Run(ctx, graphs)
	if err != nil {
		log.Fatalf("Run %s failed: %v", runID, err)
	}

	if err := store.WriteGraphs(*outputPath, graphs); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}

	log.Printf("Run %s: %d/%d graphs admitted (threshold %.3f), %d nodes synthesized, %d exhausted, %d clusters merged, %d not merged",
		runID, summary.AdmittedGraphs, summary.TotalGraphs, summary.Threshold,
		summary.SynthesizedNodes, summary.ExhaustedNodes, summary.MergedClusters, summary.FailedClusters)
}
