// Package health serves liveness and run progress on the admin listener.
package health

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type Progress struct {
	RunID    string    `json:"run_id"`
	Dataset  string    `json:"dataset"`
	Stage    string    `json:"stage,omitempty"`
	Tables   []string  `json:"tables"`
	Started  time.Time `json:"started"`
	Finished bool      `json:"finished"`
	Err      string    `json:"error,omitempty"`
}

// Tracker records the progress of one pipeline run. It is safe for
// concurrent use.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

func NewTracker(runID, dataset string) *Tracker {
	return &Tracker{p: Progress{RunID: runID, Dataset: dataset, Tables: []string{}, Started: time.Now().UTC()}}
}

func (t *Tracker) Stage(s string) {
	t.mu.Lock()
	t.p.Stage = s
	t.mu.Unlock()
}

func (t *Tracker) Table(name string) {
	t.mu.Lock()
	t.p.Tables = append(t.p.Tables, name)
	t.mu.Unlock()
}

func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Finished = true
	t.p.Stage = ""
	if err != nil {
		t.p.Err = err.Error()
	}
}

func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.p
	p.Tables = slices.Clone(t.p.Tables)
	return p
}

// Status reports the tracked run as JSON; a failed run answers 503.
func Status(t *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		p := t.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if p.Err != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(p)
	}
}
