package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubrota/calsync/internal/calendar/engine"
	"github.com/clubrota/calsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes and refresh the current month",
	Long: `Send every queued change to the club server in one batch, apply the
server's answer (new ids, conflicts) and reload the current month.

With --if-needed nothing happens when the queue is empty and the server is
unreachable. With --force every cached month is invalidated first.`,
	Run: func(cmd *cobra.Command, args []string) {
		ifNeeded, _ := cmd.Flags().GetBool("if-needed")
		force, _ := cmd.Flags().GetBool("force")

		withApp(cmd, func(ctx context.Context, a *app) error {
			before := len(a.store.Queue())
			start := time.Now()

			var err error
			switch {
			case force:
				err = a.engine.ForceSync(ctx)
			case ifNeeded:
				err = a.engine.SyncIfNeeded(ctx)
			default:
				err = a.engine.PerformSync(ctx)
			}
			switch {
			case errors.Is(err, engine.ErrOffline):
				fmt.Printf("%s Server unreachable, %d change(s) stay queued\n", a.styles.Warn.Render("!"), before)
				return nil
			case err != nil:
				return fmt.Errorf("sync failed: %w", err)
			}

			after := len(a.store.Queue())
			fmt.Printf("%s Sync complete in %v\n", a.styles.OK.Render("✓"), time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Sent: %d\n", before-after)
			fmt.Printf("   Still queued: %d\n", after)
			if q := len(a.store.Quarantine()); q > 0 {
				fmt.Printf("   Quarantined: %s (see 'calsync queue list --quarantine')\n", a.styles.Err.Render(fmt.Sprint(q)))
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queue and cache state",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			stats, err := a.db.GetStats(ctx)
			if err != nil {
				return err
			}
			s := a.store.Get()
			months := make([]string, 0, len(s.MonthCache))
			for k := range s.MonthCache {
				months = append(months, string(k))
			}
			sort.Strings(months)

			fmt.Print(a.styles.Status(ui.Status{
				Online:       a.online(ctx),
				Events:       stats.Events,
				Queued:       stats.Queued,
				Quarantined:  stats.Quarantined,
				CachedMonths: months,
				LastSyncTime: s.LastSyncTime,
				DBPath:       a.db.Path(),
			}))
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().Bool("if-needed", false, "Skip when offline with an empty queue")
	syncCmd.Flags().Bool("force", false, "Invalidate the month cache before syncing")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
