package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skritter/studysync/internal/api"
	syncer "github.com/skritter/studysync/internal/sync"
	"github.com/skritter/studysync/internal/ui"
)

// consoleObserver prints sync progress as it happens.
type consoleObserver struct {
	verbose bool
}

func (o consoleObserver) OnPage(page *api.BatchResult) {
	if !o.verbose {
		fmt.Print(".")
		return
	}
	for _, field := range []string{"Items", "Vocabs", "Sentences", "Strokes", "Decomps", "SRSConfigs", "VocabLists"} {
		records, err := page.Records(field)
		if err != nil || len(records) == 0 {
			continue
		}
		fmt.Printf("   %s %d %s\n", ui.RenderMuted("+"), len(records), field)
	}
}

func (o consoleObserver) OnUpload(uploaded, pending int) {
	if o.verbose {
		fmt.Printf("   %s uploaded %d reviews, %d pending\n", ui.RenderMuted("↑"), uploaded, pending)
	}
}

func (o consoleObserver) OnSyncComplete(syncer.Stats) {}

func printStats(stats syncer.Stats) {
	if !quiet {
		fmt.Println()
	}
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), stats.Duration.Round(time.Millisecond))
	fmt.Printf("   Uploaded: %d reviews (%d pending)\n", stats.Uploaded, stats.Pending)
	if stats.Refreshed > 0 {
		fmt.Printf("   Refreshed: %d related items\n", stats.Refreshed)
	}
	fmt.Printf("   Downloaded: %d records in %d pages\n", stats.Total(), stats.Pages)
	for _, table := range []string{"items", "vocabs", "sentences", "strokes", "decomps", "srsconfigs"} {
		if n := stats.Records[table]; n > 0 {
			fmt.Printf("     %-10s %d\n", table, n)
		}
	}
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload pending reviews, then download changes",
	Long: `Run one sync cycle:
  1. Upload reviews recorded since the last sync, 100 at a time
  2. Download items changed since the last download, with their vocabs,
     sentences, strokes and decomps (and SRS configs on the first sync)

A failed upload leaves the reviews queued for the next cycle. The download
offset only advances when the whole download succeeds.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()
		exitOn(a, a.requireLogin(), "syncing")

		fmt.Printf("%s Syncing %s\n", ui.RenderAccent("⟳"), a.cfg.DBPath)
		stats, err := a.engine(consoleObserver{verbose: verbose}).Sync(ctx)
		if err != nil {
			fmt.Println()
		}
		exitOn(a, err, "syncing")
		printStats(stats)
	},
}

var downloadCmd = &cobra.Command{
	Use:     "download",
	GroupID: "sync",
	Short:   "Download study data without uploading",
	Long: `Download items changed since --offset (a unix time) with everything
needed to study them. --offset 0 downloads everything and includes SRS
configs. Without --offset the stored download offset is used.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()
		exitOn(a, a.requireLogin(), "downloading")

		engine := a.engine(nil)
		offset, _ := cmd.Flags().GetInt64("offset")
		if !cmd.Flags().Changed("offset") {
			last, err := engine.LastDownload(ctx)
			exitOn(a, err, "reading download offset")
			offset = last
		}
		srs, _ := cmd.Flags().GetBool("srs")

		observer := consoleObserver{verbose: verbose}
		stats, err := engine.FetchStudyData(ctx, offset, srs || offset == 0, observer.OnPage)
		if err != nil {
			fmt.Println()
		}
		exitOn(a, err, "downloading")
		printStats(stats)
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload",
	GroupID: "sync",
	Short:   "Upload pending reviews without downloading",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()
		exitOn(a, a.requireLogin(), "uploading")

		uploaded, pending, err := a.engine(consoleObserver{verbose: true}).UploadReviews(ctx)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %d reviews uploaded, %d still pending\n", ui.RenderWarn("⚠"), uploaded, pending)
		}
		exitOn(a, err, "uploading")
		fmt.Printf("%s Uploaded %d reviews\n", ui.RenderPass("✓"), uploaded)
	},
}

var listsCmd = &cobra.Command{
	Use:     "lists",
	GroupID: "sync",
	Short:   "Download custom, official and studying vocab lists",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()
		exitOn(a, a.requireLogin(), "downloading lists")

		n, err := a.engine(nil).FetchVocabLists(ctx)
		exitOn(a, err, "downloading lists")
		fmt.Printf("%s Stored %d vocab lists\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	syncCmd.Flags().BoolP("verbose", "v", false, "Print records per page")
	downloadCmd.Flags().BoolP("verbose", "v", false, "Print records per page")
	downloadCmd.Flags().Int64("offset", 0, "Only items changed since this unix time")
	downloadCmd.Flags().Bool("srs", false, "Include SRS configs")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(listsCmd)
}
