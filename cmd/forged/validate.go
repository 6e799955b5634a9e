package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
)

// manifestResult is the verdict for one manifest.
type manifestResult struct {
	Path    string `json:"path"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type validateReport struct {
	Valid     bool             `json:"valid"`
	Manifests []manifestResult `json:"manifests"`
	Order     []string         `json:"order,omitempty"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "validate <manifest|dir>...",
		Short: "Validate overlay manifests and their dependency graph",
		Long: `Validate decodes each manifest against the manifest schema, checks its
semantics and, unless --standalone is set, resolves the dependencies among
the given manifests: missing dependencies and cycles fail validation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := validateManifests(args, !standalone)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printValidateReport(cmd, report)
			}
			if !report.Valid {
				return errors.New("validation failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "skip dependency resolution between the given manifests")
	return cmd
}

func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && overlay.IsManifest(e.Name()) {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func validateManifests(args []string, resolve bool) (validateReport, error) {
	paths, err := expandPaths(args)
	if err != nil {
		return validateReport{}, err
	}
	report := validateReport{Valid: true}
	var descs []*overlay.Descriptor
	index := make(map[string]int)
	for _, path := range paths {
		res := manifestResult{Path: path}
		d, err := overlay.DecodeFile(path)
		if err != nil {
			res.Error = err.Error()
			res.Code = errorCode(err)
			report.Valid = false
		} else {
			res.Name, res.Version, res.Valid = d.Name, d.Version, true
			descs = append(descs, d)
			index[d.Name] = len(report.Manifests)
		}
		report.Manifests = append(report.Manifests, res)
	}

	if resolve && len(descs) > 0 {
		plan := overlay.Resolve(descs, nil)
		for _, d := range plan.Order {
			report.Order = append(report.Order, d.Name)
		}
		for name, ferr := range plan.Failed {
			i, ok := index[name]
			if !ok {
				continue
			}
			report.Manifests[i].Valid = false
			report.Manifests[i].Error = ferr.Error()
			report.Manifests[i].Code = errorCode(ferr)
			report.Valid = false
		}
	}
	return report, nil
}

func errorCode(err error) string {
	var c interface{ Code() string }
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

func printValidateReport(cmd *cobra.Command, r validateReport) {
	out := cmd.OutOrStdout()
	for _, m := range r.Manifests {
		if m.Valid {
			_, _ = fmt.Fprintf(out, "ok    %s (%s@%s)\n", m.Path, m.Name, m.Version)
			continue
		}
		_, _ = fmt.Fprintf(out, "FAIL  %s: %s\n", m.Path, m.Error)
	}
	if len(r.Order) > 0 {
		_, _ = fmt.Fprintf(out, "load order: %v\n", r.Order)
	}
}
