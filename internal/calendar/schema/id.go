package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// TempIDPrefix marks an event created locally and not yet acknowledged.
	TempIDPrefix = "temp-"

	// HolidayIDPrefix marks an event expanded from an approved holiday request.
	HolidayIDPrefix = "holiday-"
)

// EventID identifies a calendar event.
//
// Server ids are decimal integers; everything else is an opaque client token.
type EventID string

// ServerEventID returns the EventID for a server-assigned identifier.
func ServerEventID(id int64) EventID {
	return EventID(strconv.FormatInt(id, 10))
}

// TempEventID returns a pending-creation id derived from a unix millisecond stamp.
func TempEventID(millis int64) EventID {
	return EventID(TempIDPrefix + strconv.FormatInt(millis, 10))
}

// HolidayEventID returns the deterministic id of day dayIndex of a holiday request.
func HolidayEventID(requestID int64, dayIndex int) EventID {
	return EventID(fmt.Sprintf("%s%d-day-%d", HolidayIDPrefix, requestID, dayIndex))
}

// HolidayEventPrefix returns the id prefix shared by all days of one request.
func HolidayEventPrefix(requestID int64) string {
	return fmt.Sprintf("%s%d-day-", HolidayIDPrefix, requestID)
}

// IsTemporary reports whether the id is a client token awaiting a server id.
func (id EventID) IsTemporary() bool {
	return strings.HasPrefix(string(id), TempIDPrefix)
}

// IsSynthetic reports whether the id belongs to an expanded holiday request.
func (id EventID) IsSynthetic() bool {
	return strings.HasPrefix(string(id), HolidayIDPrefix)
}

// IsServer reports whether the id is a server-assigned integer.
func (id EventID) IsServer() bool {
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

// Int64 returns the numeric form of a server id.
func (id EventID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (id EventID) String() string {
	return string(id)
}

// MarshalJSON writes server ids as numbers and client tokens as strings.
func (id EventID) MarshalJSON() ([]byte, error) {
	if n, ok := id.Int64(); ok {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *EventID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid event id %s: %w", data, err)
		}
		*id = EventID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid event id %s: %w", data, err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("invalid event id %s: %w", data, err)
	}
	*id = ServerEventID(v)
	return nil
}
