// Package schema provides the data structures shared by the calendar sync engine.
//
// Overview
//
// The types in this package describe what the mobile client keeps locally and
// what it exchanges with the remote calendar API:
//
//	CalendarEvent   - an event shown on the calendar (server, pending or synthetic)
//	HolidayRequest  - a time-off request; approved ones become synthetic events
//	SyncQueueEntry  - one local mutation waiting to be applied remotely
//	ClassTime       - a recurring class slot assigned to a coach
//	MonthKey        - "YYYY-MM" cache key
//
// Identifiers
//
// Events carry an EventID with three shapes:
//
//	501                 server-assigned, marshalled as a JSON number
//	temp-1700000000000  created locally, waiting for a server id
//	holiday-77-day-0    synthesized from an approved holiday request
//
// Temporary ids are replaced in place once the batch sync endpoint reports
// the server id. Synthetic ids are deterministic so that repeated expansion
// replaces rather than duplicates.
//
// Wire Format
//
// All JSON tags follow the remote API (snake_case). Holiday request dates are
// calendar dates ("2024-03-04"); event timestamps are RFC 3339.
package schema
