package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/config"
	"github.com/skritter/studysync/internal/daemon"
	"github.com/skritter/studysync/internal/progress"
	"github.com/skritter/studysync/internal/schema"
	syncer "github.com/skritter/studysync/internal/sync"
	"github.com/skritter/studysync/internal/ui"
)

// progressObserver forwards engine events to the progress server and
// refreshes the study counters after every cycle.
type progressObserver struct {
	*progress.Handler
	app *app
	ctx context.Context
}

func (o progressObserver) OnSyncComplete(stats syncer.Stats) {
	o.Handler.OnSyncComplete(stats)
	o.refresh()
}

func (o progressObserver) refresh() {
	parts, styles, err := o.app.filter()
	if err != nil {
		o.app.logger.Warn("failed to read study settings", zap.Error(err))
		return
	}
	due, err := o.app.scheduler.DueCount(o.ctx, parts, styles)
	if err != nil {
		o.app.logger.Warn("failed to count due items", zap.Error(err))
	}
	items, err := o.app.store.Count(o.ctx, schema.TableItems)
	if err != nil {
		o.app.logger.Warn("failed to count items", zap.Error(err))
	}
	pending, err := o.app.reviews.Pending(o.ctx)
	if err != nil {
		o.app.logger.Warn("failed to read pending reviews", zap.Error(err))
	}
	o.UpdateStats(due, items, len(pending))
}

func daemonSettings(cfg *config.Config) daemon.Settings {
	return daemon.Settings{
		SyncInterval:      cfg.Daemon.SyncInterval,
		AutoSync:          cfg.Daemon.AutoSync,
		AutoSyncThreshold: cfg.Daemon.AutoSyncThreshold,
		CheckInterval:     cfg.Daemon.CheckInterval,
	}
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the foreground on a schedule",
	Long: `Run sync cycles until interrupted:
  1. One cycle at startup
  2. One cycle every daemon.sync_interval
  3. An early cycle whenever more than daemon.auto_sync_threshold reviews
     are waiting, checked every daemon.check_interval

Editing config.yaml reschedules without a restart. With --progress a
WebSocket server on progress.addr streams sync events:

  ws://127.0.0.1:7788/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()
		exitOn(a, a.requireLogin(), "starting daemon")

		lock, err := daemon.AcquireLock(filepath.Join(a.cfg.DataDir, "daemon.lock"))
		exitOn(a, err, "starting daemon")
		defer func() {
			if err := lock.Release(); err != nil {
				a.logger.Warn("failed to release daemon lock", zap.Error(err))
			}
		}()

		serve, _ := cmd.Flags().GetBool("progress")
		serve = serve || a.cfg.Progress.Enabled
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Progress.Addr
		}

		var observer syncer.Observer
		if serve {
			server := progress.NewServer(&progress.Config{Addr: addr, Logger: a.logger.Named("progress")})
			exitOn(a, server.Start(), "starting progress server")
			defer func() {
				if err := server.Stop(); err != nil {
					a.logger.Warn("failed to stop progress server", zap.Error(err))
				}
			}()
			po := progressObserver{Handler: progress.NewHandler(server, a.logger.Named("progress")), app: a, ctx: ctx}
			po.refresh()
			observer = po
			fmt.Printf("   Progress: ws://%s/ws\n", server.Addr())
		}

		d, err := daemon.New(a.engine(observer), a.reviews, daemon.Config{
			Settings:   daemonSettings(a.cfg),
			ConfigFile: config.Path(a.cfg.DataDir),
			Reload: func() (daemon.Settings, error) {
				cfg, err := config.Load(a.cfg.DataDir)
				if err != nil {
					return daemon.Settings{}, err
				}
				return daemonSettings(cfg), nil
			},
			Logger: a.logger.Named("daemon"),
		})
		exitOn(a, err, "creating daemon")

		due, pending := dueSummary(a, cmd)
		settings := d.Settings()
		fmt.Printf("%s Sync daemon running\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", a.cfg.DBPath)
		fmt.Printf("   Every %v, early sync over %d pending reviews (auto sync %v)\n",
			settings.SyncInterval, settings.AutoSyncThreshold, settings.AutoSync)
		fmt.Printf("   %d due, %d pending\n", due, pending)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		exitOn(a, d.Start(ctx), "running daemon")
		fmt.Printf("\n%s Daemon stopped after %d cycles\n", ui.RenderPass("✓"), d.Cycles())
	},
}

func init() {
	daemonCmd.Flags().Bool("progress", false, "Serve sync progress over WebSocket")
	daemonCmd.Flags().String("addr", "", "Progress server address (default progress.addr)")
	rootCmd.AddCommand(daemonCmd)
}
