// Command vshift builds a vertical datum shift grid over a region, or over
// the footprint of a DEM which it then transforms.
//
// Usage:
//
//	vshift -R w/e/s/n -E inc [-I datum] [-O datum] [--output path]
//	vshift --dem dem.tif [-I datum] [-O datum] [--output path]
//	vshift -l
//
// Source grids come from the catalog configured in the environment
// (CATALOG_PATH, DATABASE_URL or GRID_BUCKET). Fetched fragments are cached
// under -D; without -k the cache is scoped to the run and removed on exit.
//
// Exit status is 1 when the datums are unsupported, no path joins them, or no
// cell resolves. A partially resolved grid is written with a warning and exit
// status 0.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"vshift/internal/applier"
	"vshift/internal/config"
	"vshift/internal/datum"
	"vshift/internal/engine"
	"vshift/internal/external"
	"vshift/internal/grid"
	"vshift/internal/sources"
	"vshift/internal/types"
)

// options holds the parsed command line.
type options struct {
	region    string
	increment string
	dem       string
	datumIn   string
	datumOut  string
	epochIn   optionalFloat
	epochOut  optionalFloat
	output    string
	cacheDir  string
	keepCache bool
	list      bool
	quiet     bool
}

// optionalFloat is a flag.Value that records whether it was set.
type optionalFloat struct {
	value *float64
}

func (f *optionalFloat) String() string {
	if f == nil || f.value == nil {
		return ""
	}
	return strconv.FormatFloat(*f.value, 'f', -1, 64)
}

func (f *optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	f.value = &v
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("vshift", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.region, "R", "", "Region `w/e/s/n` in degrees")
	fs.StringVar(&o.region, "region", "", "Alias for -R")
	fs.StringVar(&o.increment, "E", "", "Grid increment, e.g. 3s, 0.25m, 0.001 or x/y (required with -R)")
	fs.StringVar(&o.increment, "increment", "", "Alias for -E")
	fs.StringVar(&o.dem, "dem", "", "Input DEM GeoTIFF; sets the region and resolution and is transformed")
	fs.StringVar(&o.datumIn, "I", "5703", "Input vertical datum (EPSG[:geoid|:epoch] or name)")
	fs.StringVar(&o.datumIn, "vdatum-in", "5703", "Alias for -I")
	fs.StringVar(&o.datumOut, "O", "7662", "Output vertical datum (EPSG[:geoid|:epoch] or name)")
	fs.StringVar(&o.datumOut, "vdatum-out", "7662", "Alias for -O")
	fs.Var(&o.epochIn, "epoch-in", "Input epoch (decimal year)")
	fs.Var(&o.epochOut, "epoch-out", "Output epoch (decimal year)")
	fs.StringVar(&o.output, "output", "", "Output path (default derived from the inputs)")
	fs.StringVar(&o.cacheDir, "D", "", "Directory for cached grid fragments (default CACHE_DIR or ~/.vshift)")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "Alias for -D")
	fs.BoolVar(&o.keepCache, "k", false, "Keep cached fragments after the run")
	fs.BoolVar(&o.keepCache, "keep-cache", false, "Alias for -k")
	fs.BoolVar(&o.list, "l", false, "List supported datums and geoids and exit")
	fs.BoolVar(&o.list, "list-epsg", false, "Alias for -l")
	fs.BoolVar(&o.quiet, "q", false, "Only log warnings and errors")
	fs.BoolVar(&o.quiet, "quiet", false, "Alias for -q")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return &o, nil
}

// run executes one invocation and returns the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "vshift: %v\n", err)
		return 1
	}

	if opts.list {
		listDatums(stdout)
		return 0
	}

	level := slog.LevelInfo
	if opts.quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := transform(ctx, opts, logger); err != nil {
		logger.Error("transformation failed", "error", err)
		fmt.Fprintf(stderr, "vshift: %s\n", describe(err))
		return 1
	}
	return 0
}

func transform(ctx context.Context, opts *options, logger *slog.Logger) error {
	if opts.dem == "" && opts.region == "" {
		return errors.New("a region (-R) or a DEM (--dem) is required")
	}
	if opts.dem == "" && opts.increment == "" {
		return errors.New("-E is required with -R")
	}

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return err
	}

	cacheDir, cleanup, err := prepareCacheDir(opts, cfg.Cache.Dir)
	if err != nil {
		return err
	}
	defer cleanup()

	tier, err := sources.NewDirTier(cacheDir)
	if err != nil {
		return fmt.Errorf("opening cache directory: %w", err)
	}
	clients, err := external.NewClientRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer clients.Close()

	eng, err := engine.FromConfig(cfg, engine.Deps{
		Clients: clients,
		Tiers:   []sources.Tier{tier},
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var (
		plan *engine.Plan
		dem  *grid.Raster
	)
	if opts.dem != "" {
		dem, err = applier.ReadDEM(opts.dem)
		if err != nil {
			return err
		}
		logger.Info("grid taken from DEM", "dem", opts.dem, "region", dem.Region.String())
		plan, err = eng.PlanRegion(dem.Region, opts.datumIn, opts.datumOut, opts.epochIn.value, opts.epochOut.value)
		if err != nil {
			return err
		}
	} else {
		plan, err = eng.PlanRequest(types.ShiftGridRequest{
			Region:    opts.region,
			Increment: opts.increment,
			DatumIn:   opts.datumIn,
			DatumOut:  opts.datumOut,
			EpochIn:   opts.epochIn.value,
			EpochOut:  opts.epochOut.value,
		})
		if err != nil {
			return err
		}
	}

	logger.Info("generating shift grid",
		"datum_in", plan.In.String(),
		"datum_out", plan.Out.String(),
		"chain", plan.Chain(),
		"nx", plan.Region.NX,
		"ny", plan.Region.NY,
	)

	res, err := eng.Build(ctx, plan, false)
	if err != nil {
		return err
	}
	logStats(logger, res)

	out := opts.output
	if out == "" {
		out = defaultOutput(opts, plan)
	}

	if opts.dem != "" {
		logger.Info("applying shift to DEM", "output", out)
		return applier.ApplyFile(ctx, dem, res.Shift, out, logger)
	}
	logger.Info("saving shift grid", "output", out)
	return writeGrid(out, res.Shift)
}

// prepareCacheDir picks the fragment cache directory. With keep the
// directory itself is used and survives the run; otherwise a run-scoped
// directory is created inside it and removed by cleanup.
func prepareCacheDir(opts *options, configured string) (string, func(), error) {
	base := opts.cacheDir
	if base == "" {
		base = configured
	}
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".vshift")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating cache directory: %w", err)
	}
	if opts.keepCache {
		return base, func() {}, nil
	}
	dir, err := os.MkdirTemp(base, "run-")
	if err != nil {
		return "", nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// defaultOutput names the output after the inputs: <dem>_trans_<epsg> for a
// DEM, vshift_<in>_<out>[_<geoid>].tif for a region.
func defaultOutput(opts *options, plan *engine.Plan) string {
	if opts.dem != "" {
		ext := filepath.Ext(opts.dem)
		return fmt.Sprintf("%s_trans_%d%s", strings.TrimSuffix(opts.dem, ext), plan.Out.Datum.EPSG, ext)
	}
	out := strconv.Itoa(plan.Out.Datum.EPSG)
	if plan.Out.Geoid != "" {
		out += "_" + plan.Out.Geoid
	}
	return fmt.Sprintf("vshift_%d_%s.tif", plan.In.Datum.EPSG, out)
}

// writeGrid writes the shift grid. A .gtx path gets the shift only, with the
// uncertainty in a sibling <name>_unc.gtx.
func writeGrid(path string, shift *grid.ShiftGrid) error {
	format := types.OutputGeoTIFF
	if strings.EqualFold(filepath.Ext(path), ".gtx") {
		format = types.OutputGTX
	}

	var buf bytes.Buffer
	if err := engine.Encode(&buf, shift, format); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if format != types.OutputGTX {
		return nil
	}

	buf.Reset()
	if err := engine.EncodeUncertaintyGTX(&buf, shift); err != nil {
		return fmt.Errorf("encoding uncertainty: %w", err)
	}
	uncPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_unc.gtx"
	if err := os.WriteFile(uncPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", uncPath, err)
	}
	return nil
}

func logStats(logger *slog.Logger, res *engine.Result) {
	attrs := []any{
		"resolved_fraction", res.Shift.ResolvedFraction(),
		"min", res.Stats.Min,
		"max", res.Stats.Max,
		"mean", res.Stats.Mean,
		"duration", res.Duration,
	}
	if res.Shift.Incomplete || res.Shift.ResolvedFraction() < 1 {
		if res.StepErr != nil {
			attrs = append(attrs, "error", res.StepErr)
		}
		logger.Warn("shift grid is only partially resolved", attrs...)
		return
	}
	logger.Info("shift grid complete", attrs...)
}

// describe renders an error for the terminal. AppErrors print their message
// only; the code is in the log line.
func describe(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func listDatums(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, class := range []datum.Class{datum.ClassEllipsoidal, datum.ClassOrthometric, datum.ClassTidal, datum.ClassHydraulic} {
		fmt.Fprintf(tw, "%s:\n", class)
		for _, d := range datum.ByClass(class) {
			fmt.Fprintf(tw, "  %d\t%s\n", d.EPSG, d.Name)
		}
	}
	fmt.Fprintln(tw, "geoids:")
	for _, g := range datum.Geoids() {
		fmt.Fprintf(tw, "  %s\t%s\n", g.Name, g.Description)
	}
	tw.Flush()
}
