package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/occlusion.dataset/internal/builder"
	"github.com/banshee-data/occlusion.dataset/internal/cases"
	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/fsutil"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
	"github.com/banshee-data/occlusion.dataset/internal/storage"
	"github.com/banshee-data/occlusion.dataset/internal/storage/archive"
	"github.com/banshee-data/occlusion.dataset/internal/storage/table"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

// options are the resolved command line arguments.
type options struct {
	Config      *config.DatasetConfig
	SDDRoot     string
	Logs        string // optional .csv or .parquet log file replacing the SDD annotations
	Conversions string
	Catalog     string
	CacheDir    string
	Out         string
	Format      string
	Start, End  int
	Workers     int
}

// loadLogs reads the trajectory logs from opts.Logs, or from the SDD
// annotation tree when it is empty.
func loadLogs(opts options) (trajlog.Logs, error) {
	switch ext := strings.ToLower(filepath.Ext(opts.Logs)); {
	case opts.Logs == "":
		return trajlog.LoadSDDRoot(opts.SDDRoot)
	case ext == ".parquet":
		return trajlog.LoadParquet(opts.Logs)
	case ext == ".csv":
		f, err := os.Open(opts.Logs)
		if err != nil {
			return nil, fmt.Errorf("open logs: %w", err)
		}
		defer f.Close()
		return trajlog.LoadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported log file %s", opts.Logs)
	}
}

func openWriter(opts options, pc occlusion.ProcessorConfig, capacity int) (storage.Writer, error) {
	switch opts.Format {
	case config.StorageTable:
		occluded := pc.Mode == config.ProcessOcclusionSimulation
		return table.OpenWriter(opts.Out, table.Layout{
			TObs:       pc.TObs,
			TPred:      pc.TPred,
			Resolution: pc.Resolution,
			Occlusion:  occluded,
			Imputation: occluded && pc.Impute,
			Capacity:   capacity,
		})
	case config.StorageArchive:
		return archive.NewWriter(fsutil.OSFileSystem{}, opts.Out)
	default:
		return nil, fmt.Errorf("unknown storage format %q", opts.Format)
	}
}

// run builds cases [Start, End) of the catalog into Out.
func run(ctx context.Context, opts options) (builder.Stats, error) {
	cfg := opts.Config
	catalog, err := cases.Open(opts.Catalog)
	if err != nil {
		return builder.Stats{}, err
	}
	logs, err := loadLogs(opts)
	if err != nil {
		return builder.Stats{}, err
	}
	conversions, err := scenemap.LoadConversionFile(opts.Conversions)
	if err != nil {
		return builder.Stats{}, err
	}
	monitoring.Opsf("loaded %d cases, %d logs, %d conversions", catalog.Len(), len(logs), conversions.Len())

	gen, err := occlusion.NewGenerator(cfg, occlusion.GeneratorDeps{
		Catalog:     catalog,
		Logs:        logs,
		Rasters:     scenemap.NewRasterCache(fsutil.OSFileSystem{}, opts.SDDRoot, opts.CacheDir, cfg.GetPaddingPx(), max(opts.Workers, 2)),
		Conversions: conversions,
	})
	if err != nil {
		return builder.Stats{}, err
	}

	end := opts.End
	if end < 0 || end > gen.Len() {
		end = gen.Len()
	}
	if opts.Start < 0 || opts.Start > end {
		return builder.Stats{}, fmt.Errorf("invalid range [%d, %d) of %d cases", opts.Start, end, gen.Len())
	}
	w, err := openWriter(opts, gen.Processor().Config(), max(end-opts.Start, 1))
	if err != nil {
		return builder.Stats{}, err
	}
	return build(ctx, gen, w, opts.Workers, opts.Start, end)
}

// build runs the builder over [start, end) and closes w. A failed close
// fails the build.
func build(ctx context.Context, src storage.Reader, w storage.Writer, workers, start, end int) (stats builder.Stats, err error) {
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close dataset: %w", cerr)
		}
	}()
	return builder.New(src, w, workers).Run(ctx, start, end)
}
