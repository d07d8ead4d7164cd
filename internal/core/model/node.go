package model

// Node is one sub-question of a decomposition graph. Field names follow the
// row-oriented record schema shared with the upstream generator.
type Node struct {
	UUID                string   `json:"_uuid"`
	HopLevel            int      `json:"hop_level"`
	SubQuestion         string   `json:"sub_question"`
	SubAnswer           string   `json:"sub_answer"`
	IsParallel          bool     `json:"is_parallel"`
	Dependency          []string `json:"dependency"`
	ToolNecessity       bool     `json:"tool_necessity"`
	ToolNecessityReason string   `json:"tool_necessity_reason,omitempty"`
}

const (
	ScenarioSingleHop         = "single-hop"
	ScenarioParallelSingleHop = "parallel-single-hop"
	ScenarioMultiHop          = "multi-hop"
	ScenarioParallelMultiHop  = "parallel-multi-hop"
)

// Graph is one decomposition record. Stages annotate it additively:
// NecessityChecker fills the necessity fields, StructuralVerifier attaches
// VerifyResult, ToolSynthesizer fills EnvResult, the merger rewrites the
// EnvResult entries of merged nodes. Later stages tolerate records lacking
// later-stage fields.
type Graph struct {
	UUID                    string                `json:"uuid"`
	MainQuestion            string                `json:"main_question"`
	FinalAnswer             string                `json:"final_answer"`
	ScenarioType            string                `json:"scenario_type,omitempty"`
	Trace                   []*Node               `json:"decomposition_trace"`
	ToolNecessityLegitimacy bool                  `json:"tool_necessity_legitimacy"`
	VerifyResult            *VerifyResult         `json:"verify_result,omitempty"`
	EnvResult               map[string]*EnvResult `json:"env_result,omitempty"`
	Clusters                []IntentCluster       `json:"clusters,omitempty"`
	AggregatedEnv           []*MergeResult        `json:"aggregated_env,omitempty"`
}

// NodeByUUID returns the node with the given uuid, or nil.
func (g *Graph) NodeByUUID(uuid string) *Node {
	for _, n := range g.Trace {
		if n.UUID == uuid {
			return n
		}
	}
	return nil
}

// NonLeafUUIDs returns the set of uuids that appear in some node's dependency
// list. A node in this set is depended upon and must be tool-backed.
func (g *Graph) NonLeafUUIDs() map[string]bool {
	nonLeaf := make(map[string]bool)
	for _, n := range g.Trace {
		for _, dep := range n.Dependency {
			nonLeaf[dep] = true
		}
	}
	return nonLeaf
}

// ClassifyScenario derives the scenario type from hop depth and parallelism.
func (g *Graph) ClassifyScenario() string {
	maxHop := 0
	hasParallel := false
	for _, n := range g.Trace {
		if n.HopLevel > maxHop {
			maxHop = n.HopLevel
		}
		if n.IsParallel {
			hasParallel = true
		}
	}

	if maxHop <= 1 {
		if hasParallel {
			return ScenarioParallelSingleHop
		}
		return ScenarioSingleHop
	}
	if hasParallel {
		return ScenarioParallelMultiHop
	}
	return ScenarioMultiHop
}
