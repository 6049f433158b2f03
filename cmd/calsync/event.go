package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

var eventCmd = &cobra.Command{
	Use:     "event",
	GroupID: "calendar",
	Short:   "Create, update and delete calendar events",
	Long: `Change events locally. Every change is applied immediately, queued and,
when the server is reachable, sent right away. Offline changes are sent by the
next sync.

Times accept "2024-03-10 18:30", RFC 3339 or natural language such as
"tomorrow 6pm" or "next monday 9am".`,
}

var eventCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an event",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			ev, err := eventFromFlags(cmd.Flags(), a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			created, err := a.engine.CreateEvent(ctx, ev)
			if err != nil {
				return err
			}
			id := a.engine.ResolveID(created.ID)
			if id.IsTemporary() {
				fmt.Printf("%s Created %s (queued, will sync when online)\n", a.styles.Warn.Render("✓"), id)
				return nil
			}
			fmt.Printf("%s Created %s\n", a.styles.OK.Render("✓"), id)
			return nil
		})
	},
}

var eventUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of an event",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			patch, err := patchFromFlags(cmd.Flags(), a.engineNow(), a.loc)
			if err != nil {
				return err
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to update; pass at least one field flag")
			}
			updated, err := a.engine.UpdateEvent(ctx, schema.EventID(args[0]), patch)
			if err != nil {
				return err
			}
			fmt.Printf("%s Updated %s (%s)\n", a.styles.OK.Render("✓"), a.engine.ResolveID(updated.ID), updated.Title)
			return nil
		})
	},
}

var eventDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an event",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.DeleteEvent(ctx, schema.EventID(args[0])); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s\n", a.styles.OK.Render("✓"), args[0])
			return nil
		})
	},
}

func (a *app) engineNow() time.Time {
	return time.Now().In(a.loc)
}

func addEventFlags(fs *pflag.FlagSet) {
	fs.String("title", "", "Event title")
	fs.String("start", "", "Start time")
	fs.String("end", "", "End time (default: start + --duration)")
	fs.Duration("duration", time.Hour, "Length when --end is not given")
	fs.Bool("all-day", false, "All-day event")
	fs.String("status", "", "scheduled, confirmed, cancelled or completed")
	fs.String("type", "", "class, holiday, overtime or custom")
	fs.Int64("club", 0, "Club id")
	fs.Int64("class-time", 0, "Class time id")
}

func eventFromFlags(fs *pflag.FlagSet, now time.Time, loc *time.Location) (schema.CalendarEvent, error) {
	var ev schema.CalendarEvent
	ev.Title, _ = fs.GetString("title")
	ev.AllDay, _ = fs.GetBool("all-day")

	startRaw, _ := fs.GetString("start")
	if startRaw == "" {
		return ev, fmt.Errorf("--start is required")
	}
	start, err := parseTime(startRaw, now, loc)
	if err != nil {
		return ev, err
	}
	ev.Start = start

	if endRaw, _ := fs.GetString("end"); endRaw != "" {
		if ev.End, err = parseTime(endRaw, now, loc); err != nil {
			return ev, err
		}
	} else if ev.AllDay {
		ev.End = schema.DateOf(start).In(loc).Add(24*time.Hour - time.Second)
	} else {
		d, _ := fs.GetDuration("duration")
		ev.End = start.Add(d)
	}

	status, _ := fs.GetString("status")
	ev.Status = schema.EventStatus(status)
	typ, _ := fs.GetString("type")
	ev.Type = schema.EventType(typ)
	if club, _ := fs.GetInt64("club"); club != 0 {
		ev.ClubID = schema.Int64Ptr(club)
	}
	if ct, _ := fs.GetInt64("class-time"); ct != 0 {
		ev.ClassTimeID = schema.Int64Ptr(ct)
	}
	return ev, nil
}

// patchFromFlags includes only the flags the user actually set.
func patchFromFlags(fs *pflag.FlagSet, now time.Time, loc *time.Location) (schema.EventPatch, error) {
	var p schema.EventPatch
	if fs.Changed("title") {
		v, _ := fs.GetString("title")
		p.Title = &v
	}
	if fs.Changed("start") {
		raw, _ := fs.GetString("start")
		t, err := parseTime(raw, now, loc)
		if err != nil {
			return p, err
		}
		p.Start = &t
	}
	if fs.Changed("end") {
		raw, _ := fs.GetString("end")
		t, err := parseTime(raw, now, loc)
		if err != nil {
			return p, err
		}
		p.End = &t
	}
	if fs.Changed("all-day") {
		v, _ := fs.GetBool("all-day")
		p.AllDay = &v
	}
	if fs.Changed("status") {
		v, _ := fs.GetString("status")
		st := schema.EventStatus(v)
		p.Status = &st
	}
	if fs.Changed("type") {
		v, _ := fs.GetString("type")
		typ := schema.EventType(v)
		p.Type = &typ
	}
	if fs.Changed("club") {
		v, _ := fs.GetInt64("club")
		p.ClubID = &v
	}
	if fs.Changed("class-time") {
		v, _ := fs.GetInt64("class-time")
		p.ClassTimeID = &v
	}
	return p, nil
}

func init() {
	addEventFlags(eventCreateCmd.Flags())
	addEventFlags(eventUpdateCmd.Flags())

	eventCmd.AddCommand(eventCreateCmd)
	eventCmd.AddCommand(eventUpdateCmd)
	eventCmd.AddCommand(eventDeleteCmd)
	rootCmd.AddCommand(eventCmd)
}
