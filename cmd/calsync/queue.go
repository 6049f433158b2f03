package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage queued changes",
	Long: `Inspect the outbound sync queue.

Entries the server answered without applying are retried on every sync and
move to quarantine once they reach sync.max_attempts. Quarantined entries are
kept until you retry or discard them.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued (or quarantined) changes in send order",
	Run: func(cmd *cobra.Command, args []string) {
		quarantine, _ := cmd.Flags().GetBool("quarantine")
		withApp(cmd, func(ctx context.Context, a *app) error {
			if quarantine {
				fmt.Print(a.styles.Queue(a.store.Quarantine()))
				return nil
			}
			fmt.Print(a.styles.Queue(a.store.Queue()))
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move quarantined changes back to the queue",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			n := a.engine.RetryQuarantined()
			fmt.Printf("%s Requeued %d change(s)\n", a.styles.OK.Render("✓"), n)
			return nil
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard [client-id...]",
	Short: "Drop quarantined changes (all of them when no id is given)",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			n := a.engine.DiscardQuarantined(args...)
			fmt.Printf("%s Discarded %d change(s)\n", a.styles.Warn.Render("!"), n)
			return nil
		})
	},
}

func init() {
	queueListCmd.Flags().Bool("quarantine", false, "List quarantined entries instead")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
