package main

import (
	"flag"
	"fmt"
	"os"

	piishield "github.com/pii-shield/pii-shield"
	"github.com/pii-shield/pii-shield/examples/profiles"
	"github.com/pii-shield/pii-shield/pii"
)

var (
	flagMode     = flag.String("mode", "", "Role of this process: source or sink (overrides PIISHIELD_MODE)")
	flagBindAddr = flag.String("port", "", "Bind address for the sink HTTP server")
	flagPostgres = flag.String("db", "", "Postgres connection string for this role's store (see lib/pq docs)")
	flagNATS     = flag.String("nats", "", "NATS server URL")
)

func main() {
	flag.Parse()
	cfg := piishield.ConfigFromEnv()
	if *flagMode != "" {
		cfg.Mode = *flagMode
	}
	if *flagBindAddr != "" {
		cfg.BindAddr = *flagBindAddr
	}
	if *flagPostgres != "" {
		cfg.PostgresURI = *flagPostgres
	}
	if *flagNATS != "" {
		cfg.NATSURL = *flagNATS
	}
	if cfg.PostgresURI == "" {
		fmt.Fprintln(os.Stderr, "a Postgres connection string is required (-db or PIISHIELD_DB)")
		flag.Usage()
		os.Exit(1)
	}

	registry := pii.NewRegistry()
	profiles.Register(registry)

	switch cfg.Mode {
	case piishield.ModeSource:
		piishield.RunSource(cfg, registry)
	case piishield.ModeSink:
		piishield.RunSinkServer(cfg, registry, nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: want source or sink\n", cfg.Mode)
		os.Exit(1)
	}
}
