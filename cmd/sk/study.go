package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/study"
	"github.com/skritter/studysync/internal/ui"
)

// statusReport is what 'sk status' prints.
type statusReport struct {
	DataDir        string         `json:"data_dir" yaml:"data_dir"`
	Database       string         `json:"database" yaml:"database"`
	User           string         `json:"user,omitempty" yaml:"user,omitempty"`
	LoggedIn       bool           `json:"logged_in" yaml:"logged_in"`
	LastDownload   *time.Time     `json:"last_download,omitempty" yaml:"last_download,omitempty"`
	Style          string         `json:"style" yaml:"style"`
	Parts          []schema.Part  `json:"parts" yaml:"parts"`
	Due            int            `json:"due" yaml:"due"`
	PendingReviews int            `json:"pending_reviews" yaml:"pending_reviews"`
	Tables         map[string]int `json:"tables" yaml:"tables"`
}

// parseWhen resolves a natural language time such as "tomorrow 9am" or
// "in 3 hours" against base. RFC 3339 timestamps are accepted too.
func parseWhen(text string, base time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return r.Time, nil
}

func writeOutput(format string, v any, text func()) error {
	switch format {
	case "", "text":
		text()
		return nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "study",
	Short:   "Show local data, due items and pending reviews",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		parts, styles, err := a.filter()
		exitOn(a, err, "reading study settings")

		report := statusReport{
			DataDir:  a.cfg.DataDir,
			Database: a.cfg.DBPath,
			LoggedIn: a.requireLogin() == nil,
			Style:    a.style(),
			Parts:    parts,
			Tables:   make(map[string]int),
		}
		if a.user != nil {
			report.User = a.user.Name
		}

		last, err := a.engine(nil).LastDownload(ctx)
		exitOn(a, err, "reading download offset")
		if last > 0 {
			t := time.Unix(last, 0)
			report.LastDownload = &t
		}

		report.Due, err = a.scheduler.DueCount(ctx, parts, styles)
		exitOn(a, err, "counting due items")
		pending, err := a.reviews.Pending(ctx)
		exitOn(a, err, "reading reviews")
		report.PendingReviews = len(pending)

		for _, table := range schema.Tables {
			n, err := a.store.Count(ctx, table)
			exitOn(a, err, "counting "+table)
			report.Tables[table] = n
		}

		err = writeOutput(format, report, func() {
			fmt.Printf("\n%s Study Status\n\n", ui.RenderAccent("📊"))
			user := report.User
			if !report.LoggedIn {
				user = ui.RenderWarn("not logged in")
			}
			fmt.Println(ui.KeyValue("Account", user))
			fmt.Println(ui.KeyValue("Database", report.Database))
			if report.LastDownload != nil {
				fmt.Println(ui.KeyValue("Last download", report.LastDownload.Format("2006-01-02 15:04:05")))
			} else {
				fmt.Println(ui.KeyValue("Last download", "never"))
			}
			fmt.Println(ui.KeyValue("Style", report.Style))
			fmt.Println(ui.KeyValue("Parts", report.Parts))
			fmt.Println(ui.KeyValue("Due", ui.RenderAccent(fmt.Sprint(report.Due))))
			fmt.Println(ui.KeyValue("Pending reviews", report.PendingReviews))
			fmt.Println()

			rows := make([][]string, 0, len(schema.Tables))
			for _, table := range schema.Tables {
				rows = append(rows, []string{table, fmt.Sprint(report.Tables[table])})
			}
			fmt.Print(ui.Table([]string{"TABLE", "RECORDS"}, rows))
			fmt.Println()
		})
		exitOn(a, err, "writing status")
	},
}

var dueCmd = &cobra.Command{
	Use:     "due",
	GroupID: "study",
	Short:   "List due items",
	Long: `List the items due now, earliest first. --at checks a different
moment and accepts natural language:

  sk due --at "tomorrow 9am"
  sk due --at "in 3 hours"`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		at, _ := cmd.Flags().GetString("at")

		var clock study.Clock
		if at != "" {
			t, err := parseWhen(at, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			clock = func() time.Time { return t }
		}

		ctx := cmd.Context()
		a := mustOpen(ctx, clock)
		defer a.Close()

		parts, styles, err := a.filter()
		exitOn(a, err, "reading study settings")
		due, err := a.scheduler.Due(ctx, parts, styles)
		exitOn(a, err, "reading schedule")

		if len(due) == 0 {
			fmt.Printf("%s Nothing due at %s\n", ui.RenderPass("✓"), a.now().Format("2006-01-02 15:04"))
			return
		}

		now := a.now()
		var rows [][]string
		for i, entry := range due {
			if limit > 0 && i >= limit {
				break
			}
			overdue := now.Sub(time.Unix(entry.Next, 0)).Round(time.Minute)
			rows = append(rows, []string{
				entry.ID,
				string(schema.PartFromItemID(entry.ID)),
				time.Unix(entry.Next, 0).Format("2006-01-02 15:04"),
				overdue.String(),
			})
		}
		fmt.Print(ui.Table([]string{"ITEM", "PART", "NEXT", "OVERDUE"}, rows))
		if limit > 0 && len(due) > limit {
			fmt.Println(ui.RenderMuted(fmt.Sprintf("... and %d more", len(due)-limit)))
		}
	},
}

func printItem(loaded *study.LoadedItem, lang string) {
	item, vocab := loaded.Item, loaded.Vocab
	fmt.Printf("\n%s  %s\n", ui.RenderAccent(vocab.Writing), ui.RenderMuted("["+string(item.Part)+"]"))
	switch item.Part {
	case schema.PartDefn:
		fmt.Printf("   What does it mean?\n")
	case schema.PartRdng:
		fmt.Printf("   How is it read?\n")
	case schema.PartRune:
		fmt.Printf("   Write: %s\n", vocab.Definition(lang))
	case schema.PartTone:
		fmt.Printf("   Tones of: %s\n", vocab.Reading)
	}
	if len(loaded.ContainedVocabs) > 0 {
		chars := make([]string, 0, len(loaded.ContainedVocabs))
		for _, v := range loaded.ContainedVocabs {
			chars = append(chars, v.Writing)
		}
		fmt.Printf("   %s\n", ui.KeyValue("Characters", strings.Join(chars, " ")))
	}
	if loaded.Sentence != nil {
		fmt.Printf("   %s\n", ui.KeyValue("Sentence", loaded.Sentence.Writing))
	}
}

func printAnswer(loaded *study.LoadedItem, lang string) {
	vocab := loaded.Vocab
	fmt.Printf("   %s\n", ui.KeyValue("Reading", vocab.Reading))
	fmt.Printf("   %s\n", ui.KeyValue("Definition", vocab.Definition(lang)))
}

var nextCmd = &cobra.Command{
	Use:     "next",
	GroupID: "study",
	Short:   "Show the next due item",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		parts, styles, err := a.filter()
		exitOn(a, err, "reading study settings")
		loaded, err := a.scheduler.Next(ctx, parts, styles)
		if errors.Is(err, study.ErrNoDueItems) {
			fmt.Printf("%s Nothing due\n", ui.RenderPass("✓"))
			return
		}
		exitOn(a, err, "loading next item")

		printItem(loaded, a.sourceLang())
		printAnswer(loaded, a.sourceLang())
		fmt.Println()
	},
}

var reviewCmd = &cobra.Command{
	Use:     "review",
	GroupID: "study",
	Short:   "Review due items and queue the results for upload",
	Long: `Prompt due items one at a time and record a score for each:
1 forgot, 2 so-so, 3 got it, 4 too easy. Reviews are stored locally and
uploaded by the next 'sk sync'.

--score grades a single item without prompting.`,
	Run: func(cmd *cobra.Command, args []string) {
		score, _ := cmd.Flags().GetInt("score")
		count, _ := cmd.Flags().GetInt("count")
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		interactive := score == 0
		if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
			exitOn(a, fmt.Errorf("--score is required when stdin is not a terminal"), "reviewing")
		}
		if !interactive {
			count = 1
		}

		parts, styles, err := a.filter()
		exitOn(a, err, "reading study settings")

		done := 0
		for count <= 0 || done < count {
			loaded, err := a.scheduler.Next(ctx, parts, styles)
			if errors.Is(err, study.ErrNoDueItems) {
				break
			}
			exitOn(a, err, "loading next item")

			review := a.scheduler.CreateReview(loaded)
			start := time.Now()
			printItem(loaded, a.sourceLang())

			grade := score
			if interactive {
				grade, err = askScore(cmd, loaded, a.sourceLang())
				if errors.Is(err, huh.ErrUserAborted) {
					break
				}
				exitOn(a, err, "reading score")
			}
			elapsed := time.Since(start).Seconds()
			exitOn(a, review.Grade(grade, elapsed, elapsed), "grading")
			exitOn(a, a.scheduler.Record(ctx, review), "recording review")
			done++
		}

		if done == 0 {
			fmt.Printf("%s Nothing due\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("\n%s Recorded %d reviews (%d waiting for upload)\n", ui.RenderPass("✓"), done, pendingCount(a, cmd))
	},
}

func askScore(cmd *cobra.Command, loaded *study.LoadedItem, lang string) (int, error) {
	var reveal bool
	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title("Show answer?").Affirmative("Show").Negative("Skip").Value(&reveal),
	)).RunWithContext(cmd.Context()); err != nil {
		return 0, err
	}
	if reveal {
		printAnswer(loaded, lang)
	}

	grade := schema.DefaultScore
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().
			Title("How did it go?").
			Options(
				huh.NewOption("1  forgot", 1),
				huh.NewOption("2  so-so", 2),
				huh.NewOption("3  got it", 3),
				huh.NewOption("4  too easy", 4),
			).
			Value(&grade),
	)).RunWithContext(cmd.Context())
	return grade, err
}

func pendingCount(a *app, cmd *cobra.Command) int {
	pending, err := a.reviews.Pending(cmd.Context())
	if err != nil {
		return 0
	}
	return len(pending)
}

// dueSummary returns the due item and pending review counts.
func dueSummary(a *app, cmd *cobra.Command) (due, pending int) {
	parts, styles, err := a.filter()
	if err != nil {
		return 0, 0
	}
	due, _ = a.scheduler.DueCount(cmd.Context(), parts, styles)
	return due, pendingCount(a, cmd)
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	dueCmd.Flags().String("at", "", "Check what is due at this time (e.g. \"tomorrow 9am\")")
	dueCmd.Flags().IntP("limit", "n", 20, "Maximum items to list (0 for all)")
	reviewCmd.Flags().Int("score", 0, "Grade the next item with this score (1-4) without prompting")
	reviewCmd.Flags().IntP("count", "n", 0, "Stop after this many reviews (0 for all due)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dueCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(reviewCmd)
}
