package scenemap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Conversion holds the pixel/metre factors of one video's reference raster.
type Conversion struct {
	PxPerM float64
	MPerPx float64
}

// ConversionTable maps (scene, video) to its Conversion. It is loaded once
// and passed to whoever needs it.
type ConversionTable struct {
	entries map[[2]string]Conversion
}

// NewConversionTable builds a table from explicit entries, keyed by scene then video.
func NewConversionTable(entries map[[2]string]Conversion) *ConversionTable {
	t := &ConversionTable{entries: make(map[[2]string]Conversion, len(entries))}
	for k, v := range entries {
		t.entries[k] = v
	}
	return t
}

// LoadConversionTable reads the ';'-separated table with header
// scene;video;px/m;m/px (column order is taken from the header).
func LoadConversionTable(r io.Reader) (*ConversionTable, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read conversion header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"scene", "video", "px/m", "m/px"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("conversion table missing column %q", name)
		}
	}

	t := &ConversionTable{entries: make(map[[2]string]Conversion)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read conversion table: %w", err)
		}
		pxm, err := strconv.ParseFloat(strings.TrimSpace(rec[col["px/m"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse px/m: %w", err)
		}
		mpx, err := strconv.ParseFloat(strings.TrimSpace(rec[col["m/px"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse m/px: %w", err)
		}
		t.entries[[2]string{rec[col["scene"]], rec[col["video"]]}] = Conversion{PxPerM: pxm, MPerPx: mpx}
	}
	return t, nil
}

// LoadConversionFile opens path and calls LoadConversionTable.
func LoadConversionFile(path string) (*ConversionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conversion table: %w", err)
	}
	defer f.Close()
	return LoadConversionTable(f)
}

// Lookup returns the factors of scene/video.
func (t *ConversionTable) Lookup(scene, video string) (Conversion, error) {
	c, ok := t.entries[[2]string{scene, video}]
	if !ok {
		return Conversion{}, fmt.Errorf("no coordinate conversion for %s_%s", scene, video)
	}
	return c, nil
}

// Len returns the number of entries.
func (t *ConversionTable) Len() int { return len(t.entries) }
