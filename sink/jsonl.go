package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/agentstation/nodeguard/execlog"
)

// JSONL appends one JSON document per record to a writer.
type JSONL struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONL returns a sink writing to w.
func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{enc: json.NewEncoder(w)}
}

// Save writes rec as a single line.
func (j *JSONL) Save(ctx context.Context, rec execlog.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	return nil
}

// Multi fans a record out to every sink and joins their errors.
func Multi(sinks ...execlog.CompleteFunc) execlog.CompleteFunc {
	return func(ctx context.Context, rec execlog.Record) error {
		var errs []error
		for _, save := range sinks {
			if err := save(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
