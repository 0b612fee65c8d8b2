// Package cmd implements the canonmap CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/sqlite"

	"github.com/agentstation/canonmap"
	"github.com/agentstation/canonmap/internal/config"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/store"
	"github.com/agentstation/canonmap/pkg/store/gormstore"
	"github.com/agentstation/canonmap/pkg/store/memory"
)

var rootCmd = &cobra.Command{
	Use:   "canonmap",
	Short: "Entity canonicalization across independent sources",
	Long: `canonmap resolves records from independent sources to stable canonical
identities and merges their fields deterministically under declared
per-field policies, with full provenance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute(ctx context.Context, version, commit string) error {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Err(err).Msg("Command failed")
		return err
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ~/.canonmap.yaml)")
	flags.String("descriptors", "", "entity descriptor YAML file")
	flags.String("store-driver", "", "store driver: memory or sqlite")
	flags.String("store-dsn", "", "store DSN (sqlite file path)")
	flags.BoolP("verbose", "v", false, "verbose output")

	// Viper keys use underscores; flag names use dashes.
	bindings := map[string]string{
		"config":       "config",
		"descriptors":  "descriptors",
		"store_driver": "store-driver",
		"store_dsn":    "store-dsn",
		"verbose":      "verbose",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", flag, err)
		}
	}

	rootCmd.AddCommand(canonizeCmd, replayCmd, rebuildCmd)
}

// newCanonizer builds the runtime from the resolved configuration.
func newCanonizer() (canonmap.Canonizer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DescriptorFile == "" {
		return nil, errors.NewConfigError("canonmap", "no descriptor file configured", nil)
	}

	var s store.Store
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err = gormstore.New(sqlite.Open(cfg.StoreDSN))
		if err != nil {
			return nil, err
		}
	default:
		s = memory.New()
	}

	return canonmap.New(
		canonmap.WithDescriptorFile(cfg.DescriptorFile),
		canonmap.WithStore(s),
	)
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
