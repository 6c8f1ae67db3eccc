package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dimroute/internal/apperr"
	"dimroute/internal/dataset"
	"dimroute/internal/pipeline"

	"github.com/spf13/pflag"
)

// commandOptions are the flags that belong to commands rather than configuration.
type commandOptions struct {
	version       bool
	name          string
	source        string
	datasetConfig string
	dimensions    []string
	retrievable   []string
	metrics       []string
	limit         int
	build         bool
	all           bool
}

func defineCommandFlags(fs *pflag.FlagSet) *commandOptions {
	o := &commandOptions{}
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.StringVar(&o.name, "name", "", "register: display name")
	fs.StringVar(&o.source, "source", "", "register: source CSV file")
	fs.StringVar(&o.datasetConfig, "dataset-config", "", "register: YAML file with dimensions, retrievable and metrics")
	fs.StringSliceVar(&o.dimensions, "dimensions", nil, "register: dimension columns, shallowest first")
	fs.StringSliceVar(&o.retrievable, "retrievable", nil, "register: columns returned by queries")
	fs.StringSliceVar(&o.metrics, "metrics", nil, "register: numeric columns summed per leaf")
	fs.IntVar(&o.limit, "limit", 0, "query: maximum rows (0 uses pipeline.default_limit)")
	fs.BoolVar(&o.build, "build", true, "query: build the table first in explicit mode")
	fs.BoolVar(&o.all, "all", false, "etl: process every registered dataset")
	return o
}

type env struct {
	svc  *pipeline.Service
	opts *commandOptions
	out  io.Writer
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type command struct {
	args    string
	help    string
	minArgs int
	run     func(ctx context.Context, e *env, args []string) error
}

var commandOrder = []string{
	"register", "etl", "init-table", "query", "taxonomy", "dimensions", "stats", "list", "restore", "teardown",
}

var commands = map[string]command{
	"register":   {args: "<id>", help: "Register a dataset (runs ETL in on_create mode)", minArgs: 1, run: runRegister},
	"etl":        {args: "<id>... | --all", help: "Derive and publish dataset artifacts", run: runETL},
	"init-table": {args: "<id>", help: "Build the query table of a dataset", minArgs: 1, run: runInitTable},
	"query":      {args: "<id> [dim=value]...", help: "Run a validated filter query", minArgs: 1, run: runQuery},
	"taxonomy":   {args: "<id>", help: "Print the taxonomy outline", minArgs: 1, run: runTaxonomy},
	"dimensions": {args: "<id>", help: "List the allowed values of every dimension", minArgs: 1, run: runDimensions},
	"stats":      {args: "<id>", help: "Describe the published state of a dataset", minArgs: 1, run: runStats},
	"list":       {args: "", help: "List registered datasets", run: runList},
	"restore":    {args: "[id]...", help: "Republish persisted artifacts", run: runRestore},
	"teardown":   {args: "<id>", help: "Remove a dataset and everything derived from it", minArgs: 1, run: runTeardown},
}

// ensureLoaded republishes the persisted artifacts of id when this process has not
// published it yet. A dataset without artifacts is left alone so the caller reports the
// sequencing error of the operation it runs.
func ensureLoaded(ctx context.Context, svc *pipeline.Service, id string) error {
	if svc.Current(id) != nil {
		return nil
	}
	if _, err := svc.Restore(ctx, id); err != nil && !apperr.HasCode(err, apperr.ValidationMissing) {
		return err
	}
	return nil
}

func runRegister(ctx context.Context, e *env, args []string) error {
	var cfg dataset.Config
	if e.opts.datasetConfig != "" {
		loaded, err := dataset.LoadConfigFile(e.opts.datasetConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if len(e.opts.dimensions) > 0 {
		cfg.Dimensions = e.opts.dimensions
	}
	if len(e.opts.retrievable) > 0 {
		cfg.Retrievable = e.opts.retrievable
	}
	if len(e.opts.metrics) > 0 {
		cfg.Metrics = e.opts.metrics
	}

	id := args[0]
	if err := e.svc.Register(ctx, dataset.Record{
		ID:          id,
		DisplayName: e.opts.name,
		SourcePath:  e.opts.source,
		Config:      cfg,
	}); err != nil {
		return err
	}
	if e.svc.Current(id) != nil {
		return runStats(ctx, e, args)
	}
	return e.print(map[string]any{"id": id, "processed": false})
}

func runETL(ctx context.Context, e *env, args []string) error {
	ids := args
	if e.opts.all {
		summaries, err := e.svc.List(ctx)
		if err != nil {
			return err
		}
		ids = nil
		for _, s := range summaries {
			ids = append(ids, s.ID)
		}
	}
	switch len(ids) {
	case 0:
		if e.opts.all {
			return e.print([]*pipeline.StatsReport{})
		}
		return fmt.Errorf("%w: etl requires dataset ids or --all", errUsage)
	case 1:
		if _, err := e.svc.RunETL(ctx, ids[0]); err != nil {
			return err
		}
	default:
		if err := e.svc.RunAll(ctx, ids); err != nil {
			return err
		}
	}

	reports := make([]*pipeline.StatsReport, 0, len(ids))
	for _, id := range ids {
		r, err := e.svc.Stats(ctx, id)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	return e.print(reports)
}

func runInitTable(ctx context.Context, e *env, args []string) error {
	if err := ensureLoaded(ctx, e.svc, args[0]); err != nil {
		return err
	}
	if _, err := e.svc.InitTable(ctx, args[0]); err != nil {
		return err
	}
	return runStats(ctx, e, args)
}

func runQuery(ctx context.Context, e *env, args []string) error {
	id := args[0]
	filters, err := parseFilters(args[1:])
	if err != nil {
		return err
	}
	if err := ensureLoaded(ctx, e.svc, id); err != nil {
		return err
	}
	if e.opts.build && e.svc.Options().Mode == pipeline.ModeExplicit {
		if snap := e.svc.Current(id); snap != nil && snap.Table == nil {
			if _, err := e.svc.InitTable(ctx, id); err != nil {
				return err
			}
		}
	}

	resp, err := e.svc.Query(ctx, pipeline.Request{DatasetID: id, Filters: filters, Limit: e.opts.limit})
	if resp != nil {
		if perr := e.print(resp); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !resp.Success {
		return apperr.New(apperr.InvalidFilters, "filters rejected: %s", resp.Diagnostics.Reason)
	}
	return nil
}

// parseFilters reads dim=value arguments. Repeating a dimension adds candidates.
func parseFilters(args []string) (map[string][]string, error) {
	filters := make(map[string][]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: filter %q is not dim=value", errUsage, arg)
		}
		filters[key] = append(filters[key], value)
	}
	return filters, nil
}

func runTaxonomy(ctx context.Context, e *env, args []string) error {
	if err := ensureLoaded(ctx, e.svc, args[0]); err != nil {
		return err
	}
	outline, err := e.svc.Taxonomy(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(e.out, outline)
	return err
}

func runDimensions(ctx context.Context, e *env, args []string) error {
	if err := ensureLoaded(ctx, e.svc, args[0]); err != nil {
		return err
	}
	dims, err := e.svc.Dimensions(ctx, args[0])
	if err != nil {
		return err
	}
	return e.print(dims)
}

func runStats(ctx context.Context, e *env, args []string) error {
	if err := ensureLoaded(ctx, e.svc, args[0]); err != nil {
		return err
	}
	report, err := e.svc.Stats(ctx, args[0])
	if err != nil {
		return err
	}
	return e.print(report)
}

func runList(ctx context.Context, e *env, _ []string) error {
	if err := e.svc.RestoreAll(ctx); err != nil {
		return err
	}
	summaries, err := e.svc.List(ctx)
	if err != nil {
		return err
	}
	return e.print(summaries)
}

func runRestore(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return runList(ctx, e, nil)
	}
	for _, id := range args {
		if _, err := e.svc.Restore(ctx, id); err != nil {
			return fmt.Errorf("dataset %s: %w", id, err)
		}
	}
	summaries, err := e.svc.List(ctx)
	if err != nil {
		return err
	}
	return e.print(summaries)
}

func runTeardown(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Teardown(ctx, args[0]); err != nil {
		return err
	}
	return e.print(map[string]any{"id": args[0], "removed": true})
}
