// Command import-cases loads agent-list and occlusion-case CSV tables into
// the sqlite catalog read by build-dataset.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/occlusion.dataset/internal/cases"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
)

func main() {
	dbPath := flag.String("db", "cases.db", "catalog sqlite file (created if missing)")
	lists := flag.String("agent-lists", "", "agent list CSV")
	occl := flag.String("cases", "", "occlusion case CSV")
	flag.Parse()

	if *lists == "" || *occl == "" {
		log.Fatal("-agent-lists and -cases are required")
	}
	monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr})

	nl, nc, err := importFiles(*dbPath, *lists, *occl)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	log.Printf("done: %d agent lists, %d cases imported into %s", nl, nc, *dbPath)
}

func importFiles(dbPath, listsPath, casesPath string) (int, int, error) {
	lf, err := os.Open(listsPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open agent lists: %w", err)
	}
	defer lf.Close()
	cf, err := os.Open(casesPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open cases: %w", err)
	}
	defer cf.Close()

	d, err := cases.OpenDB(dbPath)
	if err != nil {
		return 0, 0, err
	}
	defer d.Close()
	return cases.ImportCSV(d, lf, cf)
}
