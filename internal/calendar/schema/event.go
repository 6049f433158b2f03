package schema

import (
	"fmt"
	"time"
)

// EventStatus is the lifecycle state of a calendar event.
type EventStatus string

const (
	StatusScheduled EventStatus = "scheduled"
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
	StatusCompleted EventStatus = "completed"
)

// EventType classifies a calendar event.
type EventType string

const (
	TypeClass    EventType = "class"
	TypeHoliday  EventType = "holiday"
	TypeOvertime EventType = "overtime"
	TypeCustom   EventType = "custom"
)

// CalendarEvent is a single entry on the coach's calendar.
type CalendarEvent struct {
	ID     EventID     `json:"id"`
	Title  string      `json:"title"`
	Start  time.Time   `json:"start_time"`
	End    time.Time   `json:"end_time"`
	AllDay bool        `json:"all_day"`
	Status EventStatus `json:"status"`
	Type   EventType   `json:"type"`

	CoachID     *int64 `json:"coach_id,omitempty"`
	ClubID      *int64 `json:"club_id,omitempty"`
	ClassTimeID *int64 `json:"class_time_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks if the event has valid field values.
func (e *CalendarEvent) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(e.Title) > 255 {
		return fmt.Errorf("title must be 255 characters or less (got %d)", len(e.Title))
	}
	if e.Start.IsZero() {
		return fmt.Errorf("start_time is required")
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("end_time %s is before start_time %s",
			e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	switch e.Status {
	case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	switch e.Type {
	case TypeClass, TypeHoliday, TypeOvertime, TypeCustom:
	default:
		return fmt.Errorf("unknown type %q", e.Type)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (e *CalendarEvent) SetDefaults() {
	if e.Status == "" {
		e.Status = StatusScheduled
	}
	if e.Type == "" {
		e.Type = TypeCustom
	}
	if e.End.IsZero() {
		e.End = e.Start
	}
}

// Clone returns a deep copy of the event.
func (e CalendarEvent) Clone() CalendarEvent {
	out := e
	out.CoachID = cloneInt64(e.CoachID)
	out.ClubID = cloneInt64(e.ClubID)
	out.ClassTimeID = cloneInt64(e.ClassTimeID)
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Payload renders the event as the data map carried by a create entry.
func (e *CalendarEvent) Payload() map[string]any {
	data := map[string]any{
		"title":      e.Title,
		"start_time": e.Start.Format(time.RFC3339),
		"end_time":   e.End.Format(time.RFC3339),
		"all_day":    e.AllDay,
		"status":     string(e.Status),
		"type":       string(e.Type),
	}
	if e.CoachID != nil {
		data["coach_id"] = *e.CoachID
	}
	if e.ClubID != nil {
		data["club_id"] = *e.ClubID
	}
	if e.ClassTimeID != nil {
		data["class_time_id"] = *e.ClassTimeID
	}
	if len(e.Metadata) > 0 {
		data["metadata"] = e.Metadata
	}
	return data
}

// EventPatch is a partial update; nil fields are left unchanged.
type EventPatch struct {
	Title       *string
	Start       *time.Time
	End         *time.Time
	AllDay      *bool
	Status      *EventStatus
	Type        *EventType
	CoachID     *int64
	ClubID      *int64
	ClassTimeID *int64
	Metadata    map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p.Title == nil && p.Start == nil && p.End == nil && p.AllDay == nil &&
		p.Status == nil && p.Type == nil && p.CoachID == nil && p.ClubID == nil &&
		p.ClassTimeID == nil && p.Metadata == nil
}

// Apply writes the patch onto e. Metadata keys are merged.
func (p EventPatch) Apply(e *CalendarEvent) {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Start != nil {
		e.Start = *p.Start
	}
	if p.End != nil {
		e.End = *p.End
	}
	if p.AllDay != nil {
		e.AllDay = *p.AllDay
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.CoachID != nil {
		e.CoachID = cloneInt64(p.CoachID)
	}
	if p.ClubID != nil {
		e.ClubID = cloneInt64(p.ClubID)
	}
	if p.ClassTimeID != nil {
		e.ClassTimeID = cloneInt64(p.ClassTimeID)
	}
	if p.Metadata != nil {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			e.Metadata[k] = v
		}
	}
}

// Payload renders only the changed fields, as sent in an update entry.
func (p EventPatch) Payload() map[string]any {
	data := make(map[string]any)
	if p.Title != nil {
		data["title"] = *p.Title
	}
	if p.Start != nil {
		data["start_time"] = p.Start.Format(time.RFC3339)
	}
	if p.End != nil {
		data["end_time"] = p.End.Format(time.RFC3339)
	}
	if p.AllDay != nil {
		data["all_day"] = *p.AllDay
	}
	if p.Status != nil {
		data["status"] = string(*p.Status)
	}
	if p.Type != nil {
		data["type"] = string(*p.Type)
	}
	if p.CoachID != nil {
		data["coach_id"] = *p.CoachID
	}
	if p.ClubID != nil {
		data["club_id"] = *p.ClubID
	}
	if p.ClassTimeID != nil {
		data["class_time_id"] = *p.ClassTimeID
	}
	if p.Metadata != nil {
		data["metadata"] = p.Metadata
	}
	return data
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Int64Ptr is a convenience for optional references.
func Int64Ptr(v int64) *int64 {
	return &v
}
