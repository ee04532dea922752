package input

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/h3-reagg/internal/pixel"
)

type gridHeader struct {
	cols, rows     int
	x0, y0         float64
	cellSize       float64
	nodata         float64
	hasNoData      bool
	centerRegister bool
}

func (h gridHeader) geoTransform() pixel.GeoTransform {
	x, y := h.x0, h.y0
	if h.centerRegister {
		x -= h.cellSize / 2
		y -= h.cellSize / 2
	}
	top := y + float64(h.rows)*h.cellSize
	return pixel.GeoTransform{x, h.cellSize, 0, top, 0, -h.cellSize}
}

// ReadASCIIGrid reads one ESRI ASCII grid per band. All bands must share the
// header; the raster no-data value is taken from the first band.
func ReadASCIIGrid(srs string, paths ...string) (*pixel.GridRaster, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no grid files", ErrFormat)
	}
	var out *pixel.GridRaster
	var first gridHeader
	for b, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		h, data, err := readGrid(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if b == 0 {
			first = h
			out = pixel.NewGridRaster(h.cols, h.rows, len(paths), h.geoTransform(), srs)
			if h.hasNoData {
				out.WithNoData(h.nodata)
			}
		} else if h.cols != first.cols || h.rows != first.rows || h.geoTransform() != first.geoTransform() {
			return nil, fmt.Errorf("%w: %s: grid does not match the first band", ErrFormat, p)
		}
		if b > 0 && h.hasNoData {
			// a band's own sentinel becomes the raster's, or NaN when band 0 declares none
			target := math.NaN()
			if first.hasNoData {
				target = first.nodata
			}
			for i, v := range data {
				if v == h.nodata {
					data[i] = target
				}
			}
		}
		out.Data[b] = data
	}
	return out, nil
}

func readGrid(r io.Reader) (gridHeader, []float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	sc.Split(bufio.ScanWords)

	var h gridHeader
	seen := map[string]bool{}
	var pending string
	for len(seen) < 6 && sc.Scan() {
		key := strings.ToLower(sc.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			// header ended without NODATA_value
			pending = key
			break
		}
		if !sc.Scan() {
			return h, nil, fmt.Errorf("%w: header %s has no value", ErrFormat, key)
		}
		val := sc.Text()
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return h, nil, fmt.Errorf("%w: header %s=%q", ErrFormat, key, val)
		}
		switch key {
		case "ncols":
			h.cols = int(f)
		case "nrows":
			h.rows = int(f)
		case "xllcorner":
			h.x0 = f
		case "xllcenter":
			h.x0, h.centerRegister = f, true
		case "yllcorner":
			h.y0 = f
		case "yllcenter":
			h.y0, h.centerRegister = f, true
		case "cellsize":
			h.cellSize = f
		case "nodata_value":
			h.nodata, h.hasNoData = f, true
		default:
			return h, nil, fmt.Errorf("%w: unknown header %q", ErrFormat, key)
		}
		seen[strings.TrimSuffix(strings.TrimSuffix(key, "corner"), "center")] = true
	}
	if h.cols <= 0 || h.rows <= 0 || h.cellSize <= 0 {
		return h, nil, fmt.Errorf("%w: bad header cols=%d rows=%d cellsize=%g", ErrFormat, h.cols, h.rows, h.cellSize)
	}

	data := make([]float64, 0, h.cols*h.rows)
	if pending != "" {
		v, _ := strconv.ParseFloat(pending, 64)
		data = append(data, v)
	}
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return h, nil, fmt.Errorf("%w: value %d: %q", ErrFormat, len(data), sc.Text())
		}
		data = append(data, v)
	}
	if err := sc.Err(); err != nil {
		return h, nil, err
	}
	if len(data) != h.cols*h.rows {
		return h, nil, fmt.Errorf("%w: %d values, header says %dx%d", ErrFormat, len(data), h.cols, h.rows)
	}
	return h, data, nil
}
