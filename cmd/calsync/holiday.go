package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clubrota/calsync/internal/calendar/engine"
	"github.com/clubrota/calsync/internal/calendar/schema"
)

var holidayCmd = &cobra.Command{
	Use:     "holiday",
	GroupID: "calendar",
	Short:   "Submit and list holiday requests",
	Long: `Holiday requests are sent straight to the server and never queued.
Approved requests show up as one all-day event per day.`,
}

var holidaySubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a holiday request (needs a connection)",
	Long: `Submit a holiday request.

When --start, --end or --reason are missing and stdin is a terminal, an
interactive form asks for them.`,
	Run: func(cmd *cobra.Command, args []string) {
		draft := holidayDraft{}
		draft.start, _ = cmd.Flags().GetString("start")
		draft.end, _ = cmd.Flags().GetString("end")
		draft.reason, _ = cmd.Flags().GetString("reason")
		draft.note, _ = cmd.Flags().GetString("note")

		if !draft.complete() {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				exitf("--start, --end and --reason are required when not running interactively")
			}
			if err := draft.ask(); err != nil {
				exitf("%v", err)
			}
		}

		withApp(cmd, func(ctx context.Context, a *app) error {
			d, err := draft.build(a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			created, err := a.engine.SubmitHolidayRequest(ctx, d)
			if errors.Is(err, engine.ErrOffline) {
				return fmt.Errorf("holiday requests need a connection to the club server")
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s Holiday request #%d submitted (%s..%s, %s)\n",
				a.styles.OK.Render("✓"), created.ID, created.StartDate, created.EndDate, created.Status)
			return nil
		})
	},
}

var holidayListCmd = &cobra.Command{
	Use:   "list [YYYY-MM]",
	Short: "List cached holiday requests, refreshing the month when online",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			key, err := parseMonthArg(args, a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			if a.online(ctx) {
				if err := a.engine.RefreshHolidayRequests(ctx, key); err != nil {
					a.logger.Printf("WARNING: showing cached requests: %v", err)
				}
			}
			var reqs []schema.HolidayRequest
			for _, r := range a.store.HolidayRequests() {
				if r.Overlaps(key.FirstDate(), key.LastDate()) {
					reqs = append(reqs, r)
				}
			}
			fmt.Print(a.styles.HolidayRequests(reqs))
			return nil
		})
	},
}

// holidayDraft holds the raw user input before it is parsed.
type holidayDraft struct {
	start, end, reason, note string
}

func (d *holidayDraft) complete() bool {
	return d.start != "" && d.end != "" && d.reason != ""
}

func (d *holidayDraft) ask() error {
	if d.reason == "" {
		d.reason = schema.ReasonHoliday
	}
	notEmpty := func(s string) error {
		if s == "" {
			return fmt.Errorf("required")
		}
		return nil
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("First day").Placeholder("next monday").Value(&d.start).Validate(notEmpty),
			huh.NewInput().Title("Last day").Placeholder("2024-03-08").Value(&d.end).Validate(notEmpty),
			huh.NewSelect[string]().Title("Reason").Options(
				huh.NewOption("Holiday", schema.ReasonHoliday),
				huh.NewOption("Sick leave", schema.ReasonSick),
				huh.NewOption("Personal leave", schema.ReasonPersonal),
				huh.NewOption("Other", schema.ReasonOther),
			).Value(&d.reason),
			huh.NewText().Title("Note").Value(&d.note),
		),
	)
	return form.Run()
}

func (d *holidayDraft) build(now time.Time, loc *time.Location) (schema.HolidayDraft, error) {
	start, err := parseDay(d.start, now, loc)
	if err != nil {
		return schema.HolidayDraft{}, err
	}
	end, err := parseDay(d.end, now, loc)
	if err != nil {
		return schema.HolidayDraft{}, err
	}
	out := schema.HolidayDraft{StartDate: start, EndDate: end, Reason: d.reason, Note: d.note}
	return out, out.Validate()
}

func init() {
	holidaySubmitCmd.Flags().String("start", "", "First day off")
	holidaySubmitCmd.Flags().String("end", "", "Last day off")
	holidaySubmitCmd.Flags().String("reason", "", "holiday, sick, personal or other")
	holidaySubmitCmd.Flags().String("note", "", "Optional note for the approver")

	holidayCmd.AddCommand(holidaySubmitCmd)
	holidayCmd.AddCommand(holidayListCmd)
	rootCmd.AddCommand(holidayCmd)
}
