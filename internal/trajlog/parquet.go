package trajlog

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// ParquetRow is one row of the parquet trajectory log format.
type ParquetRow struct {
	Scene   string  `parquet:"name=scene, type=BYTE_ARRAY, convertedtype=UTF8"`
	Video   string  `parquet:"name=video, type=BYTE_ARRAY, convertedtype=UTF8"`
	Frame   int32   `parquet:"name=frame, type=INT32"`
	AgentID int32   `parquet:"name=agent_id, type=INT32"`
	X       float64 `parquet:"name=x, type=DOUBLE"`
	Y       float64 `parquet:"name=y, type=DOUBLE"`
	Class   string  `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const parquetParallelism = 4

// WriteParquet writes logs to path, ordered by key then row insertion.
func WriteParquet(path string, logs Logs) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), parquetParallelism)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	for _, key := range logs.Keys() {
		for _, r := range logs[key].Rows() {
			rec := ParquetRow{
				Scene: key.Scene, Video: key.Video,
				Frame: int32(r.Frame), AgentID: int32(r.AgentID),
				X: r.X, Y: r.Y, Class: r.Class,
			}
			if err := pw.Write(rec); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}

// LoadParquet reads logs written by WriteParquet. Row order within each
// (scene, video) follows file order.
func LoadParquet(path string) (Logs, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(ParquetRow), parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]ParquetRow, int(pr.GetNumRows()))
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	logs := make(Logs)
	for i, rec := range rows {
		key := Key{Scene: rec.Scene, Video: rec.Video}
		l, ok := logs[key]
		if !ok {
			l = NewLog()
			logs[key] = l
		}
		row := Row{Frame: int(rec.Frame), AgentID: int(rec.AgentID), X: rec.X, Y: rec.Y, Class: rec.Class}
		if err := l.Append(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return logs, nil
}
