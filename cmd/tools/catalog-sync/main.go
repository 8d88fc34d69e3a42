// Package main implements the catalog-sync tool, which loads a YAML grid
// manifest into the PostgreSQL grid catalog.
//
// Usage:
//
//	go run ./cmd/tools/catalog-sync --manifest=catalog.yaml
//	go run ./cmd/tools/catalog-sync --manifest=catalog.yaml --dry-run
//
// The tool reads DATABASE_URL from the environment (or a .env file via
// godotenv). Every manifest source is upserted by ID; sources missing from
// the manifest are left in place. In --dry-run mode the sources and their
// stored extents are printed without touching the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"

	"vshift/internal/db"
	"vshift/internal/sources"
	"vshift/internal/types"
)

// worldBound is stored for sources without a coverage polygon so that every
// lookup selects them, as the in-memory catalog does.
var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{360, 90}}

// upserter is the write side of db.GridCatalogRepository.
type upserter interface {
	Upsert(ctx context.Context, s types.GridSource, bound orb.Bound) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, connect))
}

// connect opens the catalog repository from DATABASE_URL.
func connect(ctx context.Context) (upserter, func(), error) {
	_ = godotenv.Load()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, url, db.PoolOptions{MaxConns: 2, AcquireTimeout: 5 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	return db.NewGridCatalogRepository(pool), pool.Close, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, open func(context.Context) (upserter, func(), error)) int {
	fs := flag.NewFlagSet("catalog-sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifest := fs.String("manifest", "", "Path to the YAML grid manifest")
	dryRun := fs.Bool("dry-run", false, "Print the sources without writing them")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: catalog-sync --manifest=catalog.yaml [--dry-run]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *manifest == "" {
		fmt.Fprintf(stderr, "error: --manifest is required\n\n")
		fs.Usage()
		return 1
	}

	cat, err := sources.LoadYAMLCatalog(*manifest)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	list := cat.Sources()

	if *dryRun {
		printSources(stdout, list)
		return 0
	}

	repo, closeFn, err := open(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: connecting to catalog: %v\n", err)
		return 1
	}
	defer closeFn()

	for _, s := range list {
		if err := repo.Upsert(ctx, s, extent(s)); err != nil {
			fmt.Fprintf(stderr, "error: upserting %s: %v\n", s.ID, err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "synced %d grid sources from %s\n", len(list), *manifest)
	return 0
}

func extent(s types.GridSource) orb.Bound {
	if len(s.Coverage) == 0 {
		return worldBound
	}
	return s.Coverage.Bound()
}

func printSources(w io.Writer, list []types.GridSource) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATASET\tPRIORITY\tEXTENT\tURI")
	for _, s := range list {
		b := extent(s)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%g/%g/%g/%g\t%s\n",
			s.ID, s.Dataset, s.Priority, b.Min.X(), b.Max.X(), b.Min.Y(), b.Max.Y(), s.URI)
	}
	tw.Flush()
}
