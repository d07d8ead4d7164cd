package model

// EnvResult is the per-node tool artifact bundle produced by the synthesizer.
// A nil entry in Graph.EnvResult means the node either needed no tool or
// exhausted synthesis retries.
type EnvResult struct {
	Question            string         `json:"question"`
	Answer              string         `json:"answer"`
	ToolDocument        map[string]any `json:"tool_document,omitempty"`
	RefinedToolDocument map[string]any `json:"refined_tool_document,omitempty"`
	CallStatement       string         `json:"tool_call_statement,omitempty"`
	Code                string         `json:"code,omitempty"`
	ToolCallOutput      string         `json:"tool_call_output,omitempty"`
	Verified            bool           `json:"verified"`
	MergeFlag           bool           `json:"merge_flag,omitempty"`
}

// Clone returns a deep-enough copy for the merger's no-regression guarantee:
// the maps are copied so a failed merge attempt cannot alias into the
// original artifact.
func (e *EnvResult) Clone() *EnvResult {
	if e == nil {
		return nil
	}
	out := *e
	out.ToolDocument = cloneDoc(e.ToolDocument)
	out.RefinedToolDocument = cloneDoc(e.RefinedToolDocument)
	return &out
}

func cloneDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// IntentCluster groups nodes judged to require the same underlying
// capability. Single-member clusters are valid and simply skip merging.
type IntentCluster struct {
	UUIDs         []string `json:"_uuids"`
	IntentSummary string   `json:"intent_summary"`
	Reason        string   `json:"reason,omitempty"`
}

type MergeStatus string

const (
	MergeSuccess        MergeStatus = "success"
	MergePartialSuccess MergeStatus = "partial_success"
	MergeFailed         MergeStatus = "failed"
	MergeNoData         MergeStatus = "no_data"
	MergeError          MergeStatus = "error"
)

// MemberCall pairs a member's rewritten call statement with its original
// question and answer for traceability.
type MemberCall struct {
	UUID          string `json:"_uuid"`
	CallStatement string `json:"tool_call_statement"`
	Question      string `json:"question"`
	Answer        string `json:"answer"`
}

type MemberTest struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"` // passed, failed, error, skipped
	Stdout string `json:"stdout,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MergeVerification struct {
	AllTestsPassed bool         `json:"all_tests_passed"`
	TestResults    []MemberTest `json:"test_results"`
	PassedCount    int          `json:"passed_count"`
	TotalCount     int          `json:"total_count"`
	RetryCount     int          `json:"retry_count"`
}

type MergeResult struct {
	IntentSummary      string             `json:"intent_summary"`
	Reason             string             `json:"reason,omitempty"`
	UUIDs              []string           `json:"_uuids"`
	Status             MergeStatus        `json:"status"`
	MergedCode         string             `json:"merged_code,omitempty"`
	ToolCallStatements []MemberCall       `json:"tool_call_statements,omitempty"`
	Verification       *MergeVerification `json:"verification,omitempty"`
	Error              string             `json:"error,omitempty"`
}
