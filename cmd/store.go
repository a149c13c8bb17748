package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itzcole03/recompute-core/internal/store"
)

// openStore opens the configured snapshot backend.
func openStore(cmd *cobra.Command) (store.SnapshotStore, error) {
	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}
