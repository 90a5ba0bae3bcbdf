// Command sdd-to-parquet converts the Stanford Drone Dataset annotation
// tree into a single parquet trajectory log.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

func main() {
	root := flag.String("sdd-root", "", "SDD root holding annotations/<scene>/<video>/annotations.txt")
	out := flag.String("out", "trajectories.parquet", "output parquet file")
	flag.Parse()

	if *root == "" {
		log.Fatal("-sdd-root is required")
	}
	monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr})

	rows, err := convert(*root, *out)
	if err != nil {
		log.Fatalf("conversion failed: %v", err)
	}
	log.Printf("done: %d rows written to %s", rows, *out)
}

// convert loads every annotation file below root and writes them to out.
func convert(root, out string) (int, error) {
	logs, err := trajlog.LoadSDDRoot(root)
	if err != nil {
		return 0, err
	}
	if err := trajlog.WriteParquet(out, logs); err != nil {
		return 0, err
	}
	rows := 0
	for _, l := range logs {
		rows += l.Len()
	}
	return rows, nil
}
