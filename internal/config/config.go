package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type LLMConfig struct {
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	MaxInFlight int    `toml:"max_in_flight"`
}

type SandboxConfig struct {
	URL            string `toml:"url"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RetryConfig holds the per-stage retry bounds. The bounds are threaded
// explicitly into each component so stages stay independently testable.
type RetryConfig struct {
	NecessityMax   int `toml:"necessity_max"`
	InnerMax       int `toml:"inner_max"`
	OuterMax       int `toml:"outer_max"`
	AggregationMax int `toml:"aggregation_max"`
	MergeMax       int `toml:"merge_max"`
	SleepSeconds   int `toml:"sleep_seconds"`
}

type FilterConfig struct {
	Percentile float64 `toml:"percentile"`
}

type ConcurrencyConfig struct {
	GraphWorkers int `toml:"graph_workers"`
}

type NecessityPrompts struct {
	Check string `toml:"check"`
}

type VerifyPrompts struct {
	Dependency          string `toml:"dependency"`
	Atomicity           string `toml:"atomicity"`
	ForcedSerialization string `toml:"forced_serialization"`
	Completeness        string `toml:"completeness"`
}

type SynthesisPrompts struct {
	ToolDocument      string `toml:"tool_document"`
	ComplexityScaling string `toml:"complexity_scaling"`
	CallStatement     string `toml:"call_statement"`
	Deployment        string `toml:"deployment"`
}

type MergePrompts struct {
	IntentAggregation string `toml:"intent_aggregation"`
	PatchMock         string `toml:"patch_mock"`
	CallGen           string `toml:"call_gen"`
}

type Config struct {
	LLM         LLMConfig         `toml:"llm"`
	Sandbox     SandboxConfig     `toml:"sandbox"`
	Retry       RetryConfig       `toml:"retry"`
	Filter      FilterConfig      `toml:"filter"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Necessity   NecessityPrompts  `toml:"necessity"`
	Verify      VerifyPrompts     `toml:"verify"`
	Synthesis   SynthesisPrompts  `toml:"synthesis"`
	Merge       MergePrompts      `toml:"merge"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	return cfg, nil
}

// Default returns a config with the documented retry bounds and minimal
// prompt templates. Deployments override the prompts in config.toml; the
// templates here only pin the substitution order of the fmt verbs.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Language:       "python",
			TimeoutSeconds: 60,
		},
		Retry: RetryConfig{
			NecessityMax:   3,
			InnerMax:       5,
			OuterMax:       15,
			AggregationMax: 10,
			MergeMax:       20,
			SleepSeconds:   5,
		},
		Filter: FilterConfig{
			Percentile: 90,
		},
		Concurrency: ConcurrencyConfig{
			GraphWorkers: 5,
		},
		Necessity: NecessityPrompts{
			// main question, decomposition trace JSON
			Check: "Decide for every sub-question whether answering it requires an external tool call.\nMain question: %s\nDecomposition: %s\nReturn a JSON list, one object per sub-question, each with \"_uuid\", \"tool_necessity\" (bool) and \"reason\".",
		},
		Verify: VerifyPrompts{
			// dependency context, sub-question
			Dependency: "Dependencies:\n%s\nSub-question: %s\nDoes the sub-question genuinely require the dependency answers above? Return JSON {\"score\": 0 or 1, \"reason\": \"...\"}.",
			// main question, final answer, trace JSON
			Atomicity: "Main question: %s\nFinal answer: %s\nDecomposition: %s\nFor each step, judge whether it is resolvable by exactly one tool invocation. Return JSON keyed by step id with {\"is_atomic\": 0 or 1, \"reason_atomic\": \"...\"}.",
			// formatted trace
			ForcedSerialization: "Steps:\n%s\nIdentify steps marked sequential that could have run independently. Return JSON {\"score\": 0 or 1, \"problematic_steps\": [ids], \"reasoning\": \"...\"}.",
			// main question, final answer, trace JSON
			Completeness: "Main question: %s\nFinal answer: %s\nDecomposition: %s\nDo the sub-questions together fully answer the main question? Return JSON {\"score\": 0 or 1, \"main_question_requirements\": [...], \"coverage_analysis\": {\"covered_requirements\": [...], \"missing_requirements\": [...]}, \"thought\": \"...\"}.",
		},
		Synthesis: SynthesisPrompts{
			// sub-question
			ToolDocument: "Design a tool API sufficient to answer the question below.\nQuestion: %s\nReturn JSON {\"tool\": {\"name\": ..., \"description\": ..., \"parameters\": ...}, \"analysis\": \"...\"}.",
			// tool document JSON
			ComplexityScaling: "Refine the tool document below with realistic extra parameters and constraints without changing what it resolves.\nTool: %s\nReturn JSON {\"refined_version\": {...}, \"analysis\": \"...\"}.",
			// sub-question, refined tool document JSON
			CallStatement: "Question: %s\nTool: %s\nWrite the concrete invocation of the tool answering the question. Return JSON {\"call\": \"...\", \"analysis\": \"...\"}.",
			// refined tool document JSON, question/answer pair, call statement
			Deployment: "Implement the tool below as a single callable whose mock data resolves the given case.\nTool: %s\nCase: %s\nCall: %s\nReturn JSON {\"function\": \"...\", \"analysis\": \"...\"}.",
		},
		Merge: MergePrompts{
			// questions JSON
			IntentAggregation: "Group the sub-questions below by the underlying capability they require.\nQuestions: %s\nReturn JSON {\"clusters\": [{\"_uuids\": [...], \"intent_summary\": \"...\", \"reason\": \"...\"}]}. Every _uuid must appear in exactly one cluster.",
			// intent line, function hint, QA section, base code
			PatchMock: "%s\nSignature: %s\nCases:\n%s\nModify ONLY the mock data section of the code below so the single callable answers every case.\n%s\nReturn the full modified code.",
			// function name, argument list, QA section, merged code
			CallGen: "Function %s(%s)\nCases:\n%s\nCode:\n%s\nFor each case return JSON [{\"_uuid\": ..., \"tool_call_statement\": \"...\"}] invoking the function so its output contains the case's answer.",
		},
	}
}
