// Package testutil provides test doubles shared by nodeguard's packages.
package testutil

import (
	"context"
	"sync"

	"github.com/agentstation/nodeguard/execlog"
)

// EntryRecorder collects log entries passed to an onLog sink.
type EntryRecorder struct {
	mu      sync.Mutex
	entries []execlog.Entry
}

// Record stores e. Use it as an onLog callback.
func (r *EntryRecorder) Record(e execlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns the recorded entries.
func (r *EntryRecorder) Entries() []execlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execlog.Entry(nil), r.entries...)
}

// Messages returns the recorded messages in order.
func (r *EntryRecorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Message
	}
	return out
}

// MockSink is an execution-record sink with a configurable error.
type MockSink struct {
	mu      sync.Mutex
	records []execlog.Record
	Err     error
}

// Save stores rec and returns s.Err.
func (s *MockSink) Save(ctx context.Context, rec execlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.Err
}

// Records returns the saved records.
func (s *MockSink) Records() []execlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execlog.Record(nil), s.records...)
}
