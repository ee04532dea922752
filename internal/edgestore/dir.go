package edgestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hangxie/parquet-go/v2/parquet"
	"github.com/hangxie/parquet-go/v2/reader"
	"github.com/hangxie/parquet-go/v2/source/local"
	"github.com/hangxie/parquet-go/v2/writer"

	"github.com/mohammed-shakir/h3-reagg/internal/core/model"
	"github.com/mohammed-shakir/h3-reagg/internal/fsutil"
	h3mapper "github.com/mohammed-shakir/h3-reagg/internal/mapper/h3"
	"github.com/mohammed-shakir/h3-reagg/internal/weights"
)

var ErrNotFound = errors.New("edge store artifact not found")

type edgeRow struct {
	SourceID    string  `parquet:"name=source_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	HexID       string  `parquet:"name=hex_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Weight      float64 `parquet:"name=weight, type=DOUBLE"`
	Approximate bool    `parquet:"name=approximate, type=BOOLEAN"`
}

type Manifest struct {
	Key          string    `json:"key"`
	Dataset      string    `json:"dataset"`
	SourceDigest string    `json:"source_digest"`
	Resolution   int       `json:"resolution"`
	K            int       `json:"k"`
	Threshold    float64   `json:"threshold"`
	AreaCRS      string    `json:"area_crs,omitempty"`
	Sources      int       `json:"sources"`
	Edges        int       `json:"edges"`
	Approximate  int       `json:"approximate"`
	BuildID      string    `json:"build_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Dir is a directory of published edge sets.
type Dir struct {
	root        string
	parallelism int64
	log         *slog.Logger
	now         func() time.Time
}

func NewDir(root string, logger *slog.Logger) (*Dir, error) {
	if root == "" {
		return nil, errors.New("edge store: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("edge store mkdir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dir{root: root, parallelism: 1, log: logger, now: time.Now}, nil
}

func (d *Dir) DataPath(k Key) string     { return filepath.Join(d.root, k.String()+".parquet") }
func (d *Dir) ManifestPath(k Key) string { return filepath.Join(d.root, k.String()+".manifest.json") }

// Exists reports whether a complete artifact (data and manifest) is published for k.
func (d *Dir) Exists(k Key) bool {
	if _, err := os.Stat(d.DataPath(k)); err != nil {
		return false
	}
	_, err := os.Stat(d.ManifestPath(k))
	return err == nil
}

// Publish writes the edge set under k. The data file is written to a temporary
// name, synced and renamed; the manifest is written last, so a reader that
// finds a manifest always finds the complete data file.
func (d *Dir) Publish(ctx context.Context, k Key, s *Store) (Manifest, error) {
	if err := k.Validate(); err != nil {
		return Manifest{}, err
	}
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	buildID := uuid.NewString()
	tmp := fsutil.TempName(d.DataPath(k))
	if err := d.writeParquet(tmp, s.Edges()); err != nil {
		_ = os.Remove(tmp)
		return Manifest{}, err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return Manifest{}, err
	}
	if err := fsutil.CommitFile(tmp, d.DataPath(k)); err != nil {
		return Manifest{}, fmt.Errorf("edge store commit: %w", err)
	}

	m := Manifest{
		Key:          k.String(),
		Dataset:      k.Dataset,
		SourceDigest: k.SourceDigest,
		Resolution:   k.Resolution,
		K:            k.K,
		Threshold:    k.Threshold,
		AreaCRS:      k.AreaCRS,
		Sources:      s.Sources(),
		Edges:        s.Len(),
		Approximate:  s.Approximate(),
		BuildID:      buildID,
		CreatedAt:    d.now().UTC(),
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(d.ManifestPath(k), b); err != nil {
		return Manifest{}, err
	}
	fsutil.SyncDir(d.root)
	d.log.Info("edge store published", "key", m.Key, "edges", m.Edges, "sources", m.Sources, "build_id", buildID)
	return m, nil
}

func (d *Dir) writeParquet(path string, edges []model.WeightEdge) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("edge store create: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(edgeRow), d.parallelism)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("edge store writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range edges {
		row := edgeRow{SourceID: e.SourceID, HexID: e.HexID, Weight: e.Weight, Approximate: e.Approximate}
		if err := pw.Write(row); err != nil {
			_ = fw.Close()
			return fmt.Errorf("edge store write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("edge store flush: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("edge store close: %w", err)
	}
	return nil
}

// LoadOptions bound the weight-sum validation applied on load.
type LoadOptions struct {
	Tolerance float64
	HardBound float64
}

// Load reads and validates the edge set published under k.
func (d *Dir) Load(ctx context.Context, k Key, opt LoadOptions) (*Store, Manifest, error) {
	mb, err := os.ReadFile(d.ManifestPath(k))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return nil, Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Key != k.String() || m.Resolution != k.Resolution {
		return nil, m, fmt.Errorf("manifest %s does not match key %s (resolution %d vs %d)", m.Key, k, m.Resolution, k.Resolution)
	}
	if err := ctx.Err(); err != nil {
		return nil, m, err
	}

	edges, err := d.readParquet(d.DataPath(k))
	if err != nil {
		return nil, m, err
	}
	if len(edges) != m.Edges {
		return nil, m, fmt.Errorf("edge store %s: %d rows, manifest says %d", k, len(edges), m.Edges)
	}
	s, err := NewStore(edges)
	if err != nil {
		return nil, m, fmt.Errorf("edge store %s: %w", k, err)
	}
	for _, e := range s.edges {
		if err := h3mapper.CheckResolution(e.HexID, k.Resolution); err != nil {
			return nil, m, fmt.Errorf("edge store %s: %w", k, err)
		}
	}
	dev, err := weights.CheckSums(s.Edges(), opt.Tolerance, opt.HardBound)
	if err != nil {
		return nil, m, fmt.Errorf("edge store %s: %w", k, err)
	}
	if len(dev) > 0 {
		d.log.Warn("edge store weight sums outside tolerance", "key", m.Key, "sources", len(dev))
	}
	return s, m, nil
}

func (d *Dir) readParquet(path string) ([]model.WeightEdge, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("edge store open: %w", err)
	}
	defer func() { _ = fr.Close() }()

	pr, err := reader.NewParquetReader(fr, new(edgeRow), d.parallelism)
	if err != nil {
		return nil, fmt.Errorf("edge store reader: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]edgeRow, n)
	if n > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("edge store read: %w", err)
		}
	}
	out := make([]model.WeightEdge, len(rows))
	for i, r := range rows {
		out[i] = model.WeightEdge{SourceID: r.SourceID, HexID: r.HexID, Weight: r.Weight, Approximate: r.Approximate}
	}
	return out, nil
}
