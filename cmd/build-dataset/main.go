// Command build-dataset turns occlusion cases into a stored dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/version"
)

var (
	configPath  = flag.String("config", "", "dataset config JSON (default: "+config.DefaultConfigPath+")")
	sddRoot     = flag.String("sdd-root", "", "SDD root holding annotations/<scene>/<video>/")
	logsPath    = flag.String("logs", "", "trajectory log .csv or .parquet (default: SDD annotations)")
	conversions = flag.String("conversions", "", "coordinate conversion table (default: <sdd-root>/coordinates_conversion.txt)")
	catalogPath = flag.String("catalog", "", "sqlite occlusion-case catalog")
	cacheDir    = flag.String("cache", "", "padded raster cache directory (default: <sdd-root>/cache)")
	outPath     = flag.String("out", "", "output dataset file (table) or directory (archive)")
	format      = flag.String("format", "", "storage format: table or archive (default from config)")
	start       = flag.Int("start", 0, "first case index")
	end         = flag.Int("end", -1, "end case index, exclusive (-1: all)")
	workers     = flag.Int("workers", 0, "instance workers (default from config)")
	verbose     = flag.Int("v", 0, "verbosity: 1 adds diagnostics, 2 adds per-instance traces")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("build-dataset"))
		return
	}
	if *sddRoot == "" || *catalogPath == "" || *outPath == "" {
		log.Fatal("-sdd-root, -catalog and -out are required")
	}

	lw := monitoring.LogWriters{Ops: os.Stderr}
	if *verbose >= 1 {
		lw.Diag = os.Stderr
	}
	if *verbose >= 2 {
		lw.Trace = os.Stderr
	}
	monitoring.SetLogWriters(lw)

	var cfg *config.DatasetConfig
	if *configPath == "" {
		cfg = config.MustLoadDefaultConfig()
	} else {
		var err error
		if cfg, err = config.LoadDatasetConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	opts := options{
		Config:      cfg,
		SDDRoot:     *sddRoot,
		Logs:        *logsPath,
		Conversions: *conversions,
		Catalog:     *catalogPath,
		CacheDir:    *cacheDir,
		Out:         *outPath,
		Format:      *format,
		Start:       *start,
		End:         *end,
		Workers:     *workers,
	}
	if opts.Conversions == "" {
		opts.Conversions = filepath.Join(opts.SDDRoot, "coordinates_conversion.txt")
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(opts.SDDRoot, "cache")
	}
	if opts.Format == "" {
		opts.Format = cfg.GetStorageFormat()
	}
	// scene maps are kept only by the archive layout
	cfg.StorageFormat = &opts.Format
	if opts.Workers <= 0 {
		opts.Workers = cfg.GetWorkers()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, opts)
	if err != nil {
		log.Fatalf("build failed after %s: %v", stats, err)
	}
	log.Printf("done: %s", stats)
}
