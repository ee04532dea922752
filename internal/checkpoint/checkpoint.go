// Package checkpoint persists resumable progress of long raster passes.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint records that every chunk below NextChunk has been folded into State.
type Checkpoint struct {
	RunKey    string          `json:"run_key"`
	NextChunk int             `json:"next_chunk"`
	State     json.RawMessage `json:"state"`
	SavedAt   time.Time       `json:"saved_at"`
}

type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns found=false when no checkpoint exists for runKey.
	Load(ctx context.Context, runKey string) (cp Checkpoint, found bool, err error)
	Delete(ctx context.Context, runKey string) error
}

// Nop never stores anything; every run starts from chunk 0.
type Nop struct{}

func (Nop) Save(context.Context, Checkpoint) error { return nil }

func (Nop) Load(context.Context, string) (Checkpoint, bool, error) { return Checkpoint{}, false, nil }

func (Nop) Delete(context.Context, string) error { return nil }

func encode(cp Checkpoint) ([]byte, error) {
	if cp.RunKey == "" {
		return nil, fmt.Errorf("checkpoint: empty run key")
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint marshal: %w", err)
	}
	return b, nil
}

func decode(runKey string, b []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s unmarshal: %w", runKey, err)
	}
	if cp.RunKey != runKey {
		return Checkpoint{}, fmt.Errorf("checkpoint %s holds run key %q", runKey, cp.RunKey)
	}
	return cp, nil
}
