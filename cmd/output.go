package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/itzcole03/recompute-core/internal/model"
)

// writeReport renders v as indented JSON or YAML.
func writeReport(out io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

// formatSnapshots writes a tabular listing of stored snapshots to out.
func formatSnapshots(out io.Writer, snaps []model.SnapshotInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tTAKEN\tNODES")
	_, _ = fmt.Fprintln(w, "-------\t-----\t-----")

	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\n",
			s.Version,
			s.TakenAt.Format("2006-01-02 15:04:05"),
			s.NodeCount,
		)
	}
	_ = w.Flush()
}
