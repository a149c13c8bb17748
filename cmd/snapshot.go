package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect dependency index snapshots",
	Long:  "Commands for listing, showing and pruning the persisted dependency graph snapshots.",
}

// -- snapshot list --

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snaps, err := st.ListSnapshots(ctx)
		if err != nil {
			return eris.Wrap(err, "snapshot list")
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No snapshots found.")
			return nil
		}

		formatSnapshots(os.Stdout, snaps)
		return nil
	},
}

// -- snapshot latest --

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Summarize the newest snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.LatestSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "snapshot latest")
		}
		if snap == nil {
			fmt.Fprintln(os.Stderr, "No snapshots found.")
			return nil
		}

		total, active, retired := snap.Counts()
		return writeReport(os.Stdout, format, snapshotSummary{
			Version: snap.Version,
			TakenAt: snap.TakenAt.Format("2006-01-02T15:04:05Z07:00"),
			Nodes:   total,
			Active:  active,
			Retired: retired,
		})
	},
}

// -- snapshot prune --

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		keep, _ := cmd.Flags().GetInt("keep")
		if keep <= 0 {
			keep = cfg.Index.SnapshotRetain
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		removed, err := st.PruneSnapshots(ctx, keep)
		if err != nil {
			return eris.Wrap(err, "snapshot prune")
		}
		fmt.Fprintf(os.Stdout, "Removed %d snapshot(s), kept %d.\n", removed, keep)
		return nil
	},
}

type snapshotSummary struct {
	Version int64  `json:"version" yaml:"version"`
	TakenAt string `json:"taken_at" yaml:"taken_at"`
	Nodes   int    `json:"nodes" yaml:"nodes"`
	Active  int    `json:"active" yaml:"active"`
	Retired int    `json:"retired" yaml:"retired"`
}

func init() {
	snapshotLatestCmd.Flags().String("format", "json", "output format: json or yaml")
	snapshotPruneCmd.Flags().Int("keep", 0, "snapshots to keep (default from config)")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotLatestCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}
