package trajlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
)

// LoadSDDAnnotations reads a Stanford Drone Dataset annotations.txt stream.
// Each line is
//
//	track_id xmin ymin xmax ymax frame lost occluded generated "label"
//
// The agent position is the bounding-box centre. Rows flagged lost are dropped.
func LoadSDDAnnotations(r io.Reader) (*Log, error) {
	l := NewLog()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 10 {
			return nil, fmt.Errorf("line %d: expected 10 fields, got %d", line, len(f))
		}
		var vals [9]float64
		for i := 0; i < 9; i++ {
			v, err := strconv.ParseFloat(f[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: %w", line, i, err)
			}
			vals[i] = v
		}
		if vals[6] != 0 {
			continue // lost
		}
		row := Row{
			AgentID: int(vals[0]),
			X:       (vals[1] + vals[3]) / 2,
			Y:       (vals[2] + vals[4]) / 2,
			Frame:   int(vals[5]),
			Class:   strings.Trim(strings.Join(f[9:], " "), `"`),
		}
		if err := l.Append(row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	return l, nil
}

// LoadSDDRoot loads every annotations/<scene>/<video>/annotations.txt below root.
func LoadSDDRoot(root string) (Logs, error) {
	paths, err := filepath.Glob(filepath.Join(root, "annotations", "*", "*", "annotations.txt"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no annotation files under %s", root)
	}

	logs := make(Logs, len(paths))
	for _, p := range paths {
		videoDir := filepath.Dir(p)
		key := Key{Scene: filepath.Base(filepath.Dir(videoDir)), Video: filepath.Base(videoDir)}

		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		l, err := LoadSDDAnnotations(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		logs[key] = l
		monitoring.Diagf("[TrajLog] loaded %s rows=%d", key, l.Len())
	}
	return logs, nil
}
