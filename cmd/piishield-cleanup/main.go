// Command piishield-cleanup purges expired replicated records from the
// isolated store. Meant to be run on a schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	piishield "github.com/pii-shield/pii-shield"
	"github.com/pii-shield/pii-shield/examples/profiles"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/state"
	"github.com/pii-shield/pii-shield/sweep"
)

var (
	flagBatchSize = flag.Int("batch-size", sweep.DefaultBatchSize, "Number of records to delete in each batch")
	flagSleep     = flag.Float64("sleep", 0.5, "Sleep time between batches (seconds)")
	flagForce     = flag.Bool("force", false, "Clean up every known replicated type, not just the ones registered for synchronization")
	flagDryRun    = flag.Bool("dry-run", false, "Do not delete anything, just report what would be deleted")
	flagPostgres  = flag.String("db", "", "Postgres connection string for the isolated store (overrides PIISHIELD_DB)")
)

func main() {
	flag.Parse()
	cfg := piishield.ConfigFromEnv()
	if *flagPostgres != "" {
		cfg.PostgresURI = *flagPostgres
	}
	if cfg.PostgresURI == "" {
		fmt.Fprintln(os.Stderr, "a Postgres connection string is required (-db or PIISHIELD_DB)")
		flag.Usage()
		os.Exit(1)
	}

	registry := pii.NewRegistry()
	profiles.Register(registry)

	opts := sweep.Options{
		BatchSize: *flagBatchSize,
		Sleep:     time.Duration(*flagSleep * float64(time.Second)),
		Force:     *flagForce,
		DryRun:    *flagDryRun,
	}

	types := registry.Registered()
	if opts.Force {
		types = registry.KnownTypes()
	}
	if len(types) == 0 {
		fmt.Println("no models to clean up")
		return
	}
	fmt.Printf("cleaning up expired data for %d models\n", len(types))
	if opts.DryRun {
		fmt.Println("DRY RUN: no data will be deleted")
	}

	storage := state.NewStorage(cfg.PostgresURI)
	defer storage.Teardown()

	sweeper := sweep.NewSweeper(storage, registry)
	report, err := sweeper.Run(context.Background(), opts)
	for _, entityType := range types {
		fmt.Printf("  %s: %d\n", entityType, report.PerType[entityType])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup aborted: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("successfully cleaned up %d expired records\n", report.Total)
}
