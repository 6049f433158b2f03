// Package ui renders calsync state for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// Styles holds the styles used by the CLI output.
type Styles struct {
	Title   lipgloss.Style
	Day     lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Err     lipgloss.Style
	Holiday lipgloss.Style
	Pending lipgloss.Style
}

// NewStyles builds styles for w. Color is dropped when NO_COLOR is set or
// w is not a terminal.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return stylesFor(r)
}

// PlainStyles returns styles that never emit escape sequences.
func PlainStyles() Styles {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.Ascii)
	return stylesFor(r)
}

func stylesFor(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:   r.NewStyle().Bold(true),
		Day:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		OK:      r.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		Err:     r.NewStyle().Foreground(lipgloss.Color("9")),
		Holiday: r.NewStyle().Foreground(lipgloss.Color("13")),
		Pending: r.NewStyle().Italic(true),
	}
}

// Events renders events grouped by day in loc. Temporary ids are marked as
// pending and synthetic holiday days with their own style.
func (s Styles) Events(events []schema.CalendarEvent, loc *time.Location) string {
	if len(events) == 0 {
		return s.Muted.Render("No events.") + "\n"
	}
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	var lastDay schema.Date
	for _, ev := range events {
		start := ev.Start.In(loc)
		day := schema.DateOf(start)
		if day != lastDay {
			if !lastDay.IsZero() {
				b.WriteString("\n")
			}
			b.WriteString(s.Day.Render(start.Format("Mon 02 Jan 2006")))
			b.WriteString("\n")
			lastDay = day
		}

		when := "all day    "
		if !ev.AllDay {
			when = fmt.Sprintf("%s-%s", start.Format("15:04"), ev.End.In(loc).Format("15:04"))
		}
		title := ev.Title
		switch {
		case ev.ID.IsSynthetic():
			title = s.Holiday.Render(title)
		case ev.Status == schema.StatusCancelled:
			title = s.Muted.Render(title + " (cancelled)")
		}
		line := fmt.Sprintf("  %s  %s  %s", when, title, s.Muted.Render("#"+ev.ID.String()))
		if ev.ID.IsTemporary() {
			line += " " + s.Pending.Render("pending sync")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Queue renders queued or quarantined entries in order.
func (s Styles) Queue(entries []schema.SyncQueueEntry) string {
	if len(entries) == 0 {
		return s.Muted.Render("Queue is empty.") + "\n"
	}
	var b strings.Builder
	for i, q := range entries {
		fmt.Fprintf(&b, "%3d. %-6s %-28s %s", i+1, q.Operation, q.ID, s.Muted.Render(q.Timestamp.Format(time.RFC3339)))
		if q.Attempts > 0 {
			b.WriteString(" " + s.Warn.Render(fmt.Sprintf("attempts=%d", q.Attempts)))
		}
		if q.LastError != "" {
			b.WriteString(" " + s.Err.Render(q.LastError))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Status describes the sync state shown by `calsync status`.
type Status struct {
	Online       bool
	Events       int
	Queued       int
	Quarantined  int
	CachedMonths []string
	LastSyncTime *time.Time
	DBPath       string
}

// Status renders the status summary.
func (s Styles) Status(st Status) string {
	var b strings.Builder
	b.WriteString(s.Title.Render("calsync status"))
	b.WriteString("\n")

	conn := s.Err.Render("offline")
	if st.Online {
		conn = s.OK.Render("online")
	}
	fmt.Fprintf(&b, "  connectivity:  %s\n", conn)
	fmt.Fprintf(&b, "  events:        %d\n", st.Events)

	queued := fmt.Sprintf("%d", st.Queued)
	if st.Queued > 0 {
		queued = s.Warn.Render(queued)
	}
	fmt.Fprintf(&b, "  queued:        %s\n", queued)
	if st.Quarantined > 0 {
		fmt.Fprintf(&b, "  quarantined:   %s\n", s.Err.Render(fmt.Sprintf("%d", st.Quarantined)))
	}

	last := s.Muted.Render("never")
	if st.LastSyncTime != nil {
		last = st.LastSyncTime.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(&b, "  last sync:     %s\n", last)
	if len(st.CachedMonths) > 0 {
		fmt.Fprintf(&b, "  cached months: %s\n", strings.Join(st.CachedMonths, ", "))
	}
	if st.DBPath != "" {
		fmt.Fprintf(&b, "  database:      %s\n", s.Muted.Render(st.DBPath))
	}
	return b.String()
}

// ClassSessions renders expanded class sessions.
func (s Styles) ClassSessions(sessions []schema.ClassOccurrence, loc *time.Location) string {
	if len(sessions) == 0 {
		return s.Muted.Render("No class sessions.") + "\n"
	}
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	for _, occ := range sessions {
		start := occ.Start.In(loc)
		fmt.Fprintf(&b, "  %s  %s-%s  %s\n",
			start.Format("Mon 02 Jan"), start.Format("15:04"), occ.End.In(loc).Format("15:04"), occ.ClassName)
	}
	return b.String()
}

// HolidayRequests renders holiday requests with their status.
func (s Styles) HolidayRequests(reqs []schema.HolidayRequest) string {
	if len(reqs) == 0 {
		return s.Muted.Render("No holiday requests.") + "\n"
	}
	var b strings.Builder
	for _, r := range reqs {
		status := string(r.Status)
		switch r.Status {
		case schema.HolidayApproved:
			status = s.OK.Render(status)
		case schema.HolidayRejected, schema.HolidayCancelled:
			status = s.Err.Render(status)
		default:
			status = s.Warn.Render(status)
		}
		fmt.Fprintf(&b, "  #%-5d %s..%s  %-14s %s\n", r.ID, r.StartDate, r.EndDate, r.Title(), status)
	}
	return b.String()
}
