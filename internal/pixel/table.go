package pixel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// cellAcc holds one accumulator per band.
type cellAcc []Accumulator

func (c cellAcc) merge(o cellAcc) {
	for b := range o {
		c[b].Merge(&o[b])
	}
}

// table is the shared reduction target; chunk workers never touch it directly.
type table struct {
	bands  int
	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]cellAcc
}

func newTable(bands int) *table {
	t := &table{bands: bands}
	for i := range t.shards {
		t.shards[i].m = make(map[string]cellAcc)
	}
	return t
}

func (t *table) pick(cell string) *shard {
	return &t.shards[xxhash.Sum64String(cell)&(numShards-1)]
}

// mergePartial folds a chunk-local map into the table.
func (t *table) mergePartial(p map[string]cellAcc) {
	for cell, acc := range p {
		s := t.pick(cell)
		s.mu.Lock()
		cur, ok := s.m[cell]
		if !ok {
			cur = make(cellAcc, t.bands)
			s.m[cell] = cur
		}
		cur.merge(acc)
		s.mu.Unlock()
	}
}

func (t *table) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// snapshot returns every cell in ascending id order.
func (t *table) snapshot() ([]string, map[string]cellAcc) {
	all := make(map[string]cellAcc)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, v := range s.m {
			all[k] = v
		}
		s.mu.Unlock()
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, all
}

func (t *table) restore(m map[string]cellAcc) error {
	for k, v := range m {
		if len(v) != t.bands {
			return fmt.Errorf("cell %s has %d bands, want %d", k, len(v), t.bands)
		}
		t.pick(k).m[k] = v
	}
	return nil
}
