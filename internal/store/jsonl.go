package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentforge/envsynth/internal/core/model"
)

// maxLineBytes bounds a single JSONL record. Merged environments carry full
// generated code, so records can get large.
const maxLineBytes = 16 * 1024 * 1024

// ReadGraphs loads one graph per line from a JSONL file. Blank lines are
// skipped; a malformed line is an error with its line number.
func ReadGraphs(path string) ([]*model.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file '%s': %w", path, err)
	}
	defer f.Close()

	var graphs []*model.Graph
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var g model.Graph
		if err := json.Unmarshal([]byte(line), &g); err != nil {
			return nil, fmt.Errorf("failed to parse record at %s:%d: %w", path, lineNo, err)
		}
		graphs = append(graphs, &g)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read '%s': %w", path, err)
	}

	return graphs, nil
}

// WriteGraphs writes one graph per line, replacing the target file.
func WriteGraphs(path string, graphs []*model.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file '%s': %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, g := range graphs {
		if err := enc.Encode(g); err != nil {
			return fmt.Errorf("failed to encode graph %s: %w", g.UUID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush '%s': %w", path, err)
	}
	return nil
}
