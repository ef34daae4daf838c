package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexed projects and their latest runs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	home, _, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(config.GetDatabasePath(home))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	projects, err := db.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects indexed yet. Run: quarry index <path>")
		return nil
	}

	for _, p := range projects {
		fmt.Printf("%s  [%s]\n", p.RootPath, p.Status)
		fmt.Printf("  id: %s\n", p.ID)
		fmt.Printf("  files: %d, chunks: %d, bytes: %d", p.FileCount, p.ChunkCount, p.TotalBytes)
		if p.Watch {
			fmt.Print(", watched")
		}
		fmt.Println()
		if p.LastIndexedAt != nil {
			fmt.Printf("  last indexed: %s (%s ago)\n", p.LastIndexedAt.Format(time.RFC3339), time.Since(*p.LastIndexedAt).Round(time.Second))
		}

		job, err := db.LatestJobForProject(ctx, p.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		} else {
			fmt.Printf("  latest run: %s [%s]", job.ID, job.Status)
			if job.Status == store.JobIndexing {
				fmt.Printf(" — %s (%d/%d files)", job.CurrentOp, job.FilesProcessed, job.NewFiles+job.ChangedFiles+job.MetadataFiles+job.DeletedFiles)
			}
			if len(job.Errors) > 0 {
				fmt.Printf(", %d errors", len(job.Errors))
			}
			fmt.Println()
		}
		fmt.Println()
	}
	return nil
}
