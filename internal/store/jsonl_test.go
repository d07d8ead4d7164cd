package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentforge/envsynth/internal/core/model"
)

func TestReadWriteRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graphs.jsonl")

	graphs := []*model.Graph{
		{
			UUID:         "g1",
			MainQuestion: "main",
			Trace: []*model.Node{
				{UUID: "n1", HopLevel: 1, SubQuestion: "q1", SubAnswer: "a1", ToolNecessity: true},
			},
			ToolNecessityLegitimacy: true,
			VerifyResult:            &model.VerifyResult{OverallScore: 0.95},
			EnvResult: map[string]*model.EnvResult{
				"n1": {Question: "q1", Answer: "a1", Code: "def f(): pass", Verified: true},
			},
		},
		{
			UUID:         "g2",
			MainQuestion: "other",
			Trace:        []*model.Node{{UUID: "n1", HopLevel: 1}},
		},
	}

	err := WriteGraphs(path, graphs)
	assert.NoError(t, err)

	loaded, err := ReadGraphs(path)
	assert.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "g1", loaded[0].UUID)
	assert.Equal(t, 0.95, loaded[0].VerifyResult.OverallScore)
	assert.True(t, loaded[0].EnvResult["n1"].Verified)
	assert.Nil(t, loaded[1].VerifyResult)
}

func TestReadGraphsToleratesEarlyStageRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.jsonl")

	// Records straight from the upstream generator carry no pipeline fields.
	line := `{"uuid": "g1", "main_question": "m", "final_answer": "f", "decomposition_trace": [{"_uuid": "n1", "hop_level": 1, "sub_question": "q", "sub_answer": "a", "is_parallel": false, "dependency": []}]}`
	err := os.WriteFile(path, []byte(line+"\n\n"), 0o644)
	assert.NoError(t, err)

	graphs, err := ReadGraphs(path)
	assert.NoError(t, err)
	assert.Len(t, graphs, 1)
	assert.Equal(t, "n1", graphs[0].Trace[0].UUID)
	assert.Nil(t, graphs[0].VerifyResult)
	assert.Nil(t, graphs[0].EnvResult)
}

func TestReadGraphsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")

	err := os.WriteFile(path, []byte(`{"uuid": "g1"}`+"\nnot json\n"), 0o644)
	assert.NoError(t, err)

	_, err = ReadGraphs(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), ":2")
}

func TestReadGraphsMissingFile(t *testing.T) {
	_, err := ReadGraphs(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
