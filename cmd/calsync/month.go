package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clubrota/calsync/internal/calendar/ics"
)

var monthCmd = &cobra.Command{
	Use:     "month [YYYY-MM]",
	GroupID: "calendar",
	Short:   "Show the events of a month",
	Long: `Show the events of a month (default: the current one).

A cached month is shown as is until it expires; otherwise it is fetched when
the server is reachable. Offline, the last cached copy is shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		refresh, _ := cmd.Flags().GetBool("refresh")

		withApp(cmd, func(ctx context.Context, a *app) error {
			key, err := parseMonthArg(args, a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			year, month := key.YearMonth()
			if refresh {
				a.engine.InvalidateMonth(year, month)
			}
			if err := a.engine.LoadMonth(ctx, year, month); err != nil {
				a.logger.Printf("WARNING: showing cached events: %v", err)
			}
			fmt.Println(a.styles.Title.Render(key.String()))
			fmt.Print(a.styles.Events(a.engine.MonthEvents(key), a.loc))
			return nil
		})
	},
}

var classesCmd = &cobra.Command{
	Use:     "classes [YYYY-MM]",
	GroupID: "calendar",
	Short:   "Show your class sessions for a month",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			key, err := parseMonthArg(args, a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			if err := a.engine.LoadUserClassTimes(ctx); err != nil {
				return fmt.Errorf("failed to load class times: %w", err)
			}
			fmt.Println(a.styles.Title.Render("Classes " + key.String()))
			fmt.Print(a.styles.ClassSessions(a.engine.ClassSessions(key), a.loc))
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [YYYY-MM]",
	GroupID: "calendar",
	Short:   "Export cached events as iCalendar",
	Long: `Write cached events as an iCalendar (.ics) document.

Without a month every cached event is exported. Nothing is fetched.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("output")
		skipCancelled, _ := cmd.Flags().GetBool("skip-cancelled")
		name, _ := cmd.Flags().GetString("name")

		withApp(cmd, func(ctx context.Context, a *app) error {
			events := a.store.Events()
			if len(args) > 0 {
				key, err := parseMonthArg(args, a.engineNow(), a.loc)
				if err != nil {
					return err
				}
				events = a.engine.MonthEvents(key)
			}

			opts := ics.DefaultOptions()
			opts.Location = a.loc
			opts.SkipCancelled = skipCancelled
			if name != "" {
				opts.Name = name
			}

			w := os.Stdout
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := ics.Export(w, events, opts); err != nil {
				return err
			}
			if w != os.Stdout {
				fmt.Fprintf(os.Stderr, "%s Exported %d event(s) to %s\n", a.styles.OK.Render("✓"), len(events), out)
			}
			return nil
		})
	},
}

func init() {
	monthCmd.Flags().Bool("refresh", false, "Ignore the cache and fetch the month")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	exportCmd.Flags().Bool("skip-cancelled", false, "Leave cancelled events out")
	exportCmd.Flags().String("name", "", "Calendar name")

	rootCmd.AddCommand(monthCmd)
	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(exportCmd)
}
