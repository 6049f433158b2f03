package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// LoadUserClassTimes refreshes the class times assigned to the configured user.
// Offline it returns nil and keeps the cached list.
func (e *Engine) LoadUserClassTimes(ctx context.Context) error {
	if e.config.UserID == 0 {
		return fmt.Errorf("no user configured")
	}
	if !e.isOnline(ctx) {
		return nil
	}

	cts, err := e.api.GetUserClassTimes(ctx, e.config.UserID)
	if err != nil {
		return err
	}
	e.store.SetClassTimes(cts)
	return nil
}

// ClassSessions expands the cached class times into the month's sessions in start order.
// Class times that cannot be expanded are logged and skipped.
func (e *Engine) ClassSessions(key schema.MonthKey) []schema.ClassOccurrence {
	var out []schema.ClassOccurrence
	for _, ct := range e.store.ClassTimes() {
		occ, err := ct.Occurrences(key, e.config.Location)
		if err != nil {
			e.logger.Printf("WARNING: skipping class time %d: %v", ct.ID, err)
			continue
		}
		out = append(out, occ...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
