package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tileserv/coretiles/internal/store"
)

var migrateIndexCmd = &cobra.Command{
	Use:   "migrate-index",
	Short: "Repair zoom-range drift across every project's index.json",
	Long: `Walks every project under the cache directory, swaps zoomMin and
zoomMax of any layer or theme whose zoomMin exceeds its zoomMax, and
rewrites only the index.json files that changed (--dry-run writes nothing).`,
	RunE: runMigrateIndex,
}

func init() {
	rootCmd.AddCommand(migrateIndexCmd)
	migrateIndexCmd.Flags().Bool("dry-run", false, "Report what would change without writing anything")
	if err := viper.BindPFlag("migrate_index.dry_run", migrateIndexCmd.Flags().Lookup("dry-run")); err != nil {
		panic(fmt.Sprintf("failed to bind flag dry-run: %v", err))
	}
}

func runMigrateIndex(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cacheDir := viper.GetString("cache-dir")
	dryRun := viper.GetBool("migrate_index.dry_run")

	indexStore := store.NewIndexStore(cacheDir)
	projects, err := indexStore.ListProjects()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	var repaired int
	for _, project := range projects {
		idx, err := indexStore.Load(project)
		if err != nil {
			logger.Warn("skipping project, failed to load index", "project", project, "error", err)
			continue
		}

		var changed bool
		for i := range idx.Layers {
			e := &idx.Layers[i]
			if e.ZoomMin > e.ZoomMax {
				logger.Info("repairing zoom drift", "project", project, "target", e.Name, "zoomMin", e.ZoomMin, "zoomMax", e.ZoomMax)
				e.ZoomMin, e.ZoomMax = e.ZoomMax, e.ZoomMin
				changed = true
				repaired++
			}
		}

		if !changed {
			continue
		}
		if dryRun {
			logger.Info("dry-run: would rewrite index", "project", project)
			continue
		}
		if err := indexStore.Save(project, idx); err != nil {
			return fmt.Errorf("save repaired index for %q: %w", project, err)
		}
	}

	logger.Info("migrate-index complete", "projects_scanned", len(projects), "entries_repaired", repaired, "dry_run", dryRun)
	return nil
}
