package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itzcole03/recompute-core/internal/depindex"
	"github.com/itzcole03/recompute-core/internal/engine"
	"github.com/itzcole03/recompute-core/internal/store"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show core status",
	Long: "With --addr, fetches /status from a running serve instance. Without it, loads the latest " +
		"snapshot into a fresh dependency index, sweeps it once and prints its health.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		format, _ := cmd.Flags().GetString("format")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if addr != "" {
			st, err := fetchStatus(ctx, http.DefaultClient, addr)
			if err != nil {
				return err
			}
			return writeReport(os.Stdout, format, st)
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		health, err := snapshotHealth(ctx, st)
		if err != nil {
			return err
		}
		return writeReport(os.Stdout, format, health)
	},
}

// fetchStatus reads the engine status from the ops listener at addr.
func fetchStatus(ctx context.Context, client *http.Client, addr string) (*engine.Status, error) {
	url := strings.TrimRight(addr, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "status: build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "status: get %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("status: %s returned %d", url, resp.StatusCode)
	}

	var st engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, eris.Wrap(err, "status: decode response")
	}
	return &st, nil
}

// snapshotHealth restores the newest snapshot into an index that is never
// written back and runs one sweep over it.
func snapshotHealth(ctx context.Context, st store.SnapshotStore) (depindex.Health, error) {
	idx := depindex.New(depindex.FromConfig(cfg.Index), st, telemetry.Nop())
	if err := idx.Open(ctx); err != nil {
		return depindex.Health{}, eris.Wrap(err, "status: open index")
	}
	if _, err := idx.Sweep(ctx); err != nil {
		return depindex.Health{}, eris.Wrap(err, "status: sweep")
	}
	return idx.Health(), nil
}

func init() {
	statusCmd.Flags().String("addr", "", "base URL of a running ops listener, e.g. http://localhost:9090")
	statusCmd.Flags().String("format", "json", "output format: json or yaml")
	rootCmd.AddCommand(statusCmd)
}
