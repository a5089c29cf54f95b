package datasync

import "github.com/tansive/ckansync/internal/schema"

// State is a step of the sync workflow.
type State string

const (
	StateFetching      State = "FETCHING"
	StateHashCheck     State = "HASH_CHECK"
	StateSkip          State = "SKIP"
	StateSchemaInfer   State = "SCHEMA_INFER"
	StateReplaceSchema State = "REPLACE_SCHEMA"
	StateUpload        State = "UPLOAD"
	StateRecordHash    State = "RECORD_HASH"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Outcome reports one workflow run.
type Outcome struct {
	RunID      string         `json:"run_id"`
	ResourceID string         `json:"resource_id"`
	State      State          `json:"state"`
	Trace      []State        `json:"trace"`
	Changed    bool           `json:"changed"`
	Skipped    bool           `json:"skipped"`
	Uploaded   int            `json:"uploaded"`
	OldHash    string         `json:"old_hash,omitempty"`
	NewHash    string         `json:"new_hash,omitempty"`
	Encoding   string         `json:"encoding,omitempty"`
	Fields     []schema.Field `json:"fields,omitempty"`
	Err        error          `json:"-"`
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}
