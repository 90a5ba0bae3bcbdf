package trajlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var csvHeader = []string{"scene", "video", "frame", "agent_id", "x", "y", "class"}

// LoadCSV reads logs from a headed CSV with columns
// scene,video,frame,agent_id,x,y,class.
func LoadCSV(r io.Reader) (Logs, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range csvHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != h {
			return nil, fmt.Errorf("csv column %d: expected %q, got %q", i, h, header[i])
		}
	}

	logs := make(Logs)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		frame, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("line %d frame: %w", line, err)
		}
		agent, err := strconv.Atoi(rec[3])
		if err != nil {
			return nil, fmt.Errorf("line %d agent_id: %w", line, err)
		}
		x, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d x: %w", line, err)
		}
		y, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d y: %w", line, err)
		}

		key := Key{Scene: rec[0], Video: rec[1]}
		l, ok := logs[key]
		if !ok {
			l = NewLog()
			logs[key] = l
		}
		if err := l.Append(Row{Frame: frame, AgentID: agent, X: x, Y: y, Class: rec[6]}); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return logs, nil
}

// WriteCSV writes logs in the LoadCSV format, ordered by key then row insertion.
func WriteCSV(w io.Writer, logs Logs) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, key := range logs.Keys() {
		for _, r := range logs[key].Rows() {
			rec := []string{
				key.Scene, key.Video,
				strconv.Itoa(r.Frame), strconv.Itoa(r.AgentID),
				strconv.FormatFloat(r.X, 'g', -1, 64), strconv.FormatFloat(r.Y, 'g', -1, 64),
				r.Class,
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
