package server

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/envsynth/internal/config"
	"github.com/agentforge/envsynth/internal/core"
	"github.com/agentforge/envsynth/internal/core/model"
	"github.com/agentforge/envsynth/internal/llm"
	"github.com/agentforge/envsynth/internal/sandbox"
)

type Server struct {
	Pipeline *core.Pipeline
}

func NewServer() *Server {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("Warning: could not load %s: %v. Using built-in defaults", cfgPath, err)
		cfg = config.Default()
	}

	// Override config with env vars if present (simple override logic)
	if envProvider := os.Getenv("LLM_PROVIDER"); envProvider != "" {
		cfg.LLM.Provider = envProvider
	}
	if envModel := os.Getenv("LLM_MODEL"); envModel != "" {
		cfg.LLM.Model = envModel
	}
	if envAPIKey := os.Getenv("LLM_API_KEY"); envAPIKey != "" {
		cfg.LLM.APIKey = envAPIKey
	}
	if envBaseURL := os.Getenv("LLM_BASE_URL"); envBaseURL != "" {
		cfg.LLM.BaseURL = envBaseURL
	}
	if envSandbox := os.Getenv("SANDBOX_URL"); envSandbox != "" {
		cfg.Sandbox.URL = envSandbox
	}

	// Default to Ollama if provider is empty
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
		cfg.LLM.Model = "gpt-oss:latest"
		cfg.LLM.BaseURL = "http://localhost:11434"
	}

	llmClient, err := llm.NewClient(context.Background(), cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	exec := sandbox.NewHTTPClient(cfg.Sandbox)

	return &Server{
		Pipeline: core.NewPipeline(cfg, llmClient, exec),
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.POST("/run", s.Run)
	r.GET("/healthz", s.Health)

	return r
}

type RunRequest struct {
	Graphs []*model.Graph `json:"graphs"`
}

type RunResponse struct {
	Summary *core.RunSummary `json:"summary"`
	Graphs  []*model.Graph   `json:"graphs"`
}

// Run processes a batch of decomposition graphs synchronously and returns
// the annotated graphs with the batch summary.
func (s *Server) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if len(req.Graphs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No graphs provided"})
		return
	}

	summary, err := s.Pipeline.Run(c.Request.Context(), req.Graphs)
	if err != nil {
		log.Printf("Pipeline run failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process batch"})
		return
	}

	c.JSON(http.StatusOK, RunResponse{Summary: summary, Graphs: req.Graphs})
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
