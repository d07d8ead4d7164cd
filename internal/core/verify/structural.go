package verify

import (
	"fmt"

	"github.com/agentforge/envsynth/internal/core/model"
)

// CheckStructure runs the deterministic validity checks on a graph and
// returns a description of the first violation found, or "". Dependencies
// must point at existing nodes with strictly smaller hop levels; that
// ordering also rules out cycles. Violations indicate upstream generation
// defects and are never retried.
func CheckStructure(g *model.Graph) string {
	seen := make(map[string]bool, len(g.Trace))
	for _, n := range g.Trace {
		if n.UUID == "" {
			return "node with empty _uuid"
		}
		if seen[n.UUID] {
			return fmt.Sprintf("duplicate node uuid %q", n.UUID)
		}
		seen[n.UUID] = true

		if n.HopLevel < 1 {
			return fmt.Sprintf("node %q has non-positive hop_level %d", n.UUID, n.HopLevel)
		}
		if n.HopLevel == 1 && len(n.Dependency) > 0 {
			return fmt.Sprintf("root-layer node %q declares dependencies", n.UUID)
		}
	}

	for _, n := range g.Trace {
		for _, dep := range n.Dependency {
			target := g.NodeByUUID(dep)
			if target == nil {
				return fmt.Sprintf("node %q depends on unknown uuid %q", n.UUID, dep)
			}
			if target.HopLevel >= n.HopLevel {
				return fmt.Sprintf("node %q (hop %d) depends on %q (hop %d): dependencies must point at strictly smaller hop levels",
					n.UUID, n.HopLevel, dep, target.HopLevel)
			}
		}
	}

	return ""
}
