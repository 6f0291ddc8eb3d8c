package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2fwd/internal/checkpoint"
)

type tensorSummary struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

type inspectReport struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata"`
	Tensors  []tensorSummary   `json:"tensors"`
	Missing  []string          `json:"missing,omitempty"`
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors and metadata of a checkpoint",
		ArgsUsage: "<checkpoint>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
			&cli.StringFlag{
				Name:        "cache-dir",
				Usage:       "directory for downloaded checkpoints",
				Value:       defaultCacheDir(),
				Destination: &cacheDir,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			src := c.Args().First()
			if src == "" {
				return fmt.Errorf("inspect: checkpoint path is required")
			}
			path, err := checkpoint.Fetch(ctx, src, cacheDir)
			if err != nil {
				return err
			}
			f, err := checkpoint.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			report := buildReport(f)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(os.Stdout, report)
			return nil
		},
	}
}

func buildReport(f *checkpoint.File) inspectReport {
	report := inspectReport{Path: f.Path, Metadata: f.Metadata}
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		report.Tensors = append(report.Tensors, tensorSummary{
			Name:  name,
			DType: info.DType,
			Shape: info.Shape,
			Bytes: info.End - info.Start,
		})
	}
	// Report what a loader would reject, when the metadata names an architecture.
	if cfg, err := f.Config(); err == nil {
		for _, name := range checkpoint.TensorNames(cfg) {
			if _, ok := f.Tensor(name); !ok {
				report.Missing = append(report.Missing, name)
			}
		}
	}
	return report
}

func printReport(w io.Writer, r inspectReport) {
	_, _ = fmt.Fprintf(w, "checkpoint: %s\n", r.Path)
	if len(r.Metadata) > 0 {
		_, _ = fmt.Fprintln(w, "metadata:")
		for _, k := range slices.Sorted(maps.Keys(r.Metadata)) {
			_, _ = fmt.Fprintf(w, "  %-24s %s\n", k, r.Metadata[k])
		}
	}
	var total int64
	_, _ = fmt.Fprintf(w, "tensors (%d):\n", len(r.Tensors))
	for _, t := range r.Tensors {
		_, _ = fmt.Fprintf(w, "  %-24s %-5s %v\n", t.Name, t.DType, t.Shape)
		total += t.Bytes
	}
	_, _ = fmt.Fprintf(w, "data bytes: %d\n", total)
	for _, name := range r.Missing {
		_, _ = fmt.Fprintf(w, "missing: %s\n", name)
	}
}
