package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/skritter/studysync/internal/backup"
	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/ui"
)

func printResult(verb string, result *backup.Result) {
	tables := make([]string, 0, len(result.Records))
	for table := range result.Records {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	fmt.Printf("%s %s %d records\n", ui.RenderPass("✓"), verb, result.Total())
	for _, table := range tables {
		fmt.Printf("     %-10s %d\n", table, result.Records[table])
	}
	for _, msg := range result.Errors {
		fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), msg)
	}
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Export the local store to JSON Lines",
	Long: `Write every record of the local store (or the tables named with
--table) to a JSON Lines file, one {"table":...,"doc":...} object per line.
Without a file the export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tables, _ := cmd.Flags().GetStringSlice("table")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		opts := backup.Options{Tables: tables, DryRun: dryRun}
		if len(args) == 0 && !dryRun {
			_, err := backup.Export(ctx, a.store, os.Stdout, opts)
			exitOn(a, err, "exporting")
			return
		}

		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		result, err := backup.ExportFile(ctx, a.store, path, opts)
		exitOn(a, err, "exporting")
		verb := "Exported"
		if dryRun {
			verb = "Would export"
		}
		printResult(verb, result)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import a JSON Lines export into the local store",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tables, _ := cmd.Flags().GetStringSlice("table")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		clearFirst, _ := cmd.Flags().GetBool("clear")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		result, err := backup.ImportFile(ctx, a.store, args[0], backup.Options{Tables: tables, DryRun: dryRun, Clear: clearFirst})
		exitOn(a, err, "importing")
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		printResult(verb, result)
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "data",
	Short:   "Delete the local store",
	Long: `Delete the local database, including the saved session. Reviews that
have not been uploaded are exported to the data directory first unless
--discard is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		discard, _ := cmd.Flags().GetBool("discard")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		pending, err := a.reviews.Pending(ctx)
		exitOn(a, err, "reading reviews")

		if !force {
			title := fmt.Sprintf("Delete %s?", a.cfg.DBPath)
			if len(pending) > 0 && discard {
				title = fmt.Sprintf("Delete %s and discard %d reviews that were never uploaded?", a.cfg.DBPath, len(pending))
			}
			ok, err := confirm(ctx, title)
			exitOn(a, err, "confirming")
			if !ok {
				fmt.Println("Aborted (use --force to skip the confirmation)")
				return
			}
		}

		if len(pending) > 0 && !discard {
			path := filepath.Join(a.cfg.DataDir, fmt.Sprintf("reviews-%s.jsonl", time.Now().Format("20060102-150405")))
			result, err := backup.ExportFile(ctx, a.store, path, backup.Options{Tables: []string{schema.TableReviews}})
			exitOn(a, err, "saving pending reviews")
			fmt.Printf("%s Saved %d reviews to %s\n", ui.RenderWarn("⚠"), result.Total(), path)
			fmt.Printf("   Restore them with 'sk import %s'\n", path)
		}

		exitOn(a, a.store.Destroy(ctx), "deleting store")
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), a.cfg.DBPath)
	},
}

func init() {
	exportCmd.Flags().StringSlice("table", nil, "Only export these tables")
	exportCmd.Flags().Bool("dry-run", false, "Count records without writing")
	importCmd.Flags().StringSlice("table", nil, "Only import these tables")
	importCmd.Flags().Bool("dry-run", false, "Parse and count without writing")
	importCmd.Flags().Bool("clear", false, "Empty each imported table first")
	resetCmd.Flags().BoolP("force", "f", false, "Skip the confirmation")
	resetCmd.Flags().Bool("discard", false, "Do not save pending reviews before deleting")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(resetCmd)
}
