package scanning

import "encoding/json"

// Cursor is the opaque continuation state of a listing run. It is an
// explicit value, never in-process iterator state, so a run can cross
// invocation boundaries and be persisted and retried.
type Cursor struct {
	// Token is the storage-provider continuation token for the next page.
	// Empty on the first step.
	Token string `json:"token,omitempty"`

	// Discovered is the number of objects emitted by the run so far.
	Discovered int64 `json:"discovered"`
}

// Encode serializes the cursor for storage on the job's run handle, so a
// listing interrupted by a crash resumes from its last checkpoint.
func (c Cursor) Encode() string {
	if c.Token == "" && c.Discovered == 0 {
		return ""
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeCursor parses a stored checkpoint. Empty or unparseable input yields
// the zero cursor, restarting the listing from the top; replayed pages are
// absorbed downstream.
func DecodeCursor(s string) Cursor {
	if s == "" {
		return Cursor{}
	}
	var c Cursor
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Cursor{}
	}
	return c
}

// StepResult reports the outcome of one bounded listing step.
type StepResult struct {
	// Next is the continuation state to pass to the following step.
	Next Cursor

	// Done reports whether the listing reached the end of the collection.
	Done bool
}
