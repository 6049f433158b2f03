package schema

import (
	"fmt"
	"strings"
)

// HolidayStatus is the approval state of a holiday request.
type HolidayStatus string

const (
	HolidayPending   HolidayStatus = "pending"
	HolidayApproved  HolidayStatus = "approved"
	HolidayRejected  HolidayStatus = "rejected"
	HolidayCancelled HolidayStatus = "cancelled"
)

// Reason codes understood by Title. Any other code renders as "Time Off".
const (
	ReasonHoliday  = "holiday"
	ReasonSick     = "sick"
	ReasonPersonal = "personal"
	ReasonOther    = "other"
)

// HolidayRequest is a coach's time-off request. The remote system owns it;
// the client keeps a read-mostly copy refreshed per month.
type HolidayRequest struct {
	ID              int64         `json:"id"`
	RequesterID     int64         `json:"requester_id"`
	StartDate       Date          `json:"start_date"`
	EndDate         Date          `json:"end_date"`
	Reason          string        `json:"reason"`
	Note            string        `json:"note,omitempty"`
	Status          HolidayStatus `json:"status"`
	ApproverID      *int64        `json:"approver_id,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
}

// Title returns the calendar title derived from the reason code.
func (h *HolidayRequest) Title() string {
	switch strings.ToLower(h.Reason) {
	case ReasonHoliday:
		return "Holiday"
	case ReasonSick:
		return "Sick Leave"
	case ReasonPersonal:
		return "Personal Leave"
	default:
		return "Time Off"
	}
}

// Overlaps reports whether the request covers any day in [from, to].
func (h *HolidayRequest) Overlaps(from, to Date) bool {
	return !h.EndDate.Before(from) && !to.Before(h.StartDate)
}

// HolidayDraft is what a coach submits; the server assigns id and status.
type HolidayDraft struct {
	RequesterID int64  `json:"requester_id"`
	StartDate   Date   `json:"start_date"`
	EndDate     Date   `json:"end_date"`
	Reason      string `json:"reason"`
	Note        string `json:"note,omitempty"`
}

// Validate checks the draft before submission.
func (d *HolidayDraft) Validate() error {
	if d.StartDate.IsZero() {
		return fmt.Errorf("start_date is required")
	}
	if d.EndDate.IsZero() {
		return fmt.Errorf("end_date is required")
	}
	if d.EndDate.Before(d.StartDate) {
		return fmt.Errorf("end_date %s is before start_date %s", d.EndDate, d.StartDate)
	}
	if d.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

// HolidayRequestQuery filters GET /holiday-requests.
type HolidayRequestQuery struct {
	Status   HolidayStatus `json:"status,omitempty"`
	DateFrom Date          `json:"date_from"`
	DateTo   Date          `json:"date_to"`
}

// HolidayRequestList is the envelope returned by the holiday request listing.
type HolidayRequestList struct {
	Data []HolidayRequest `json:"data"`
}

// HolidayRequestEnvelope is the envelope returned when a request is created.
type HolidayRequestEnvelope struct {
	Data HolidayRequest `json:"data"`
}
