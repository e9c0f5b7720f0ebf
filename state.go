package stepflow

import (
	"encoding/json"
	"time"
)

// RecordedResult is the serializable outcome of one step. Exactly one
// branch is meaningful: Value when OK is true, the error fields when OK
// is false.
type RecordedResult struct {
	OK           bool   `json:"ok"`
	Value        any    `json:"value,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StepMeta carries diagnostic details about how a step outcome was
// produced.
type StepMeta struct {
	Attempts int    `json:"attempts,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Origin   string `json:"origin,omitempty"`
}

// StepEntry is the recorded outcome of one keyed step. Entries are
// immutable once written; a key is only overwritten when it is
// re-executed in a later run.
type StepEntry struct {
	Result RecordedResult `json:"result"`
	Meta   *StepMeta      `json:"meta,omitempty"`
}

// Metadata describes a saved checkpoint. Version gates resumption:
// state checkpointed under one version is not replayed into a workflow
// requesting another. A zero Version is read as 1 (legacy convention).
type Metadata struct {
	Version   int            `json:"version"`
	RunID     string         `json:"run_id,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// ResumeState is an insertion-ordered mapping of step key to StepEntry.
// It is the minimal state needed to replay a partially-completed run.
// ResumeState is not safe for concurrent use; the executor serializes
// access to it.
type ResumeState struct {
	keys    []string
	entries map[string]StepEntry
}

// NewResumeState returns an empty ResumeState.
func NewResumeState() *ResumeState {
	return &ResumeState{entries: map[string]StepEntry{}}
}

// Set inserts or overwrites the entry for key. The key keeps its
// original position when overwritten.
func (s *ResumeState) Set(key string, entry StepEntry) {
	if s.entries == nil {
		s.entries = map[string]StepEntry{}
	}
	if _, exists := s.entries[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = entry
}

// Get returns the entry for key, if present.
func (s *ResumeState) Get(key string) (StepEntry, bool) {
	entry, ok := s.entries[key]
	return entry, ok
}

// Len returns the number of recorded entries.
func (s *ResumeState) Len() int { return len(s.keys) }

// Keys returns the step keys in insertion order.
func (s *ResumeState) Keys() []string {
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	return keys
}

// Clone returns an independent copy of the state.
func (s *ResumeState) Clone() *ResumeState {
	clone := NewResumeState()
	for _, key := range s.keys {
		clone.Set(key, s.entries[key])
	}
	return clone
}

// Merge returns a new state holding every entry of s plus every entry of
// delta, with delta overwriting s on key collisions. Entries of s absent
// from delta always survive: merging never drops a previously
// checkpointed step unless that exact key was re-executed.
func (s *ResumeState) Merge(delta *ResumeState) *ResumeState {
	merged := s.Clone()
	if delta == nil {
		return merged
	}
	for _, key := range delta.keys {
		merged.Set(key, delta.entries[key])
	}
	return merged
}

// stateEntry is the wire form of one ResumeState entry. The state is
// serialized as an array so iteration order survives the round trip.
type stateEntry struct {
	Key   string    `json:"key"`
	Entry StepEntry `json:"entry"`
}

// MarshalJSON encodes the state as an ordered array of entries.
func (s *ResumeState) MarshalJSON() ([]byte, error) {
	out := make([]stateEntry, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, stateEntry{Key: key, Entry: s.entries[key]})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the ordered-array form produced by MarshalJSON.
func (s *ResumeState) UnmarshalJSON(data []byte) error {
	var in []stateEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.keys = nil
	s.entries = map[string]StepEntry{}
	for _, item := range in {
		s.Set(item.Key, item.Entry)
	}
	return nil
}
