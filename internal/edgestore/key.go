// Package edgestore persists weight edges as versioned, content-addressed artifacts.
package edgestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/h3-reagg/internal/crs"
)

// Key identifies an edge set. Any change to the sources or the build
// parameters yields a new key; artifacts are never updated in place.
type Key struct {
	Dataset      string
	SourceDigest string
	Resolution   int
	K            int
	Threshold    float64
	AreaCRS      string
}

func (k Key) canonical() string {
	area := ""
	if k.AreaCRS != "" {
		area = crs.Normalize(k.AreaCRS)
	}
	return strings.Join([]string{
		"v1",
		k.Dataset,
		k.SourceDigest,
		strconv.Itoa(k.Resolution),
		strconv.Itoa(k.K),
		strconv.FormatFloat(k.Threshold, 'g', -1, 64),
		area,
	}, "|")
}

func (k Key) Hash() uint64 { return xxhash.Sum64String(k.canonical()) }

// String is the artifact base name, e.g. "population-r8-1f2e3d4c5b6a7988".
func (k Key) String() string {
	return fmt.Sprintf("%s-r%d-%016x", sanitize(k.Dataset), k.Resolution, k.Hash())
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.Dataset) == "" {
		return fmt.Errorf("edge store key: empty dataset")
	}
	if k.SourceDigest == "" {
		return fmt.Errorf("edge store key: empty source digest")
	}
	if k.Resolution < 0 || k.Resolution > 15 {
		return fmt.Errorf("edge store key: invalid resolution %d", k.Resolution)
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "dataset"
	}
	return b.String()
}
