package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ClassTime is a recurring class slot a coach is assigned to.
type ClassTime struct {
	ID              int64        `json:"id"`
	ClubID          int64        `json:"club_id"`
	ClassName       string       `json:"class_name"`
	CoachID         int64        `json:"coach_id"`
	Weekday         time.Weekday `json:"weekday"`
	StartTime       string       `json:"start_time"` // "HH:MM"
	DurationMinutes int          `json:"duration_minutes"`

	// RRule overrides the default weekly recurrence (RFC 5545 RRULE body,
	// e.g. "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU").
	RRule string `json:"rrule,omitempty"`

	// ValidFrom anchors the recurrence; zero means the first day of the queried month.
	ValidFrom Date `json:"valid_from,omitempty"`
}

// ClassOccurrence is a single concrete session of a class time.
type ClassOccurrence struct {
	ClassTimeID int64
	ClassName   string
	ClubID      int64
	Start       time.Time
	End         time.Time
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

func (c *ClassTime) clock() (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(c.StartTime), "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("class time %d: invalid start_time %q: %w", c.ID, c.StartTime, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("class time %d: start_time %q out of range", c.ID, c.StartTime)
	}
	return h, m, nil
}

// Occurrences expands the class time into the sessions that start inside the month.
func (c *ClassTime) Occurrences(key MonthKey, loc *time.Location) ([]ClassOccurrence, error) {
	if loc == nil {
		loc = time.Local
	}
	h, m, err := c.clock()
	if err != nil {
		return nil, err
	}

	monthStart, monthEnd := key.Range(loc)
	anchorDate := c.ValidFrom
	if anchorDate.IsZero() {
		anchorDate = key.FirstDate()
	}
	anchor := anchorDate.In(loc).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)

	var opt *rrule.ROption
	if c.RRule != "" {
		opt, err = rrule.StrToROption(c.RRule)
		if err != nil {
			return nil, fmt.Errorf("class time %d: invalid rrule %q: %w", c.ID, c.RRule, err)
		}
	} else {
		opt = &rrule.ROption{
			Freq:      rrule.WEEKLY,
			Byweekday: []rrule.Weekday{rruleWeekdays[c.Weekday]},
		}
	}
	opt.Dtstart = anchor

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("class time %d: %w", c.ID, err)
	}

	duration := time.Duration(c.DurationMinutes) * time.Minute
	starts := r.Between(monthStart, monthEnd, true)
	out := make([]ClassOccurrence, 0, len(starts))
	for _, start := range starts {
		if !start.Before(monthEnd) {
			continue
		}
		out = append(out, ClassOccurrence{
			ClassTimeID: c.ID,
			ClassName:   c.ClassName,
			ClubID:      c.ClubID,
			Start:       start,
			End:         start.Add(duration),
		})
	}
	return out, nil
}
