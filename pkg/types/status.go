// status.go holds the authoritative broker status normalization table.
//
// Brokers report order status with a zoo of short and long codes. The
// coordinator collapses them all onto two values: ACTIVE (the order is
// in force on the broker) and INACTIVE (it is not). Codes absent from
// the table normalize to INACTIVE — the safer reading, since treating a
// dead order as live only delays a modify, while treating a live order
// as dead can create a duplicate protective sell.
package types

import "strings"

// StatusNorm is the normalized order status.
type StatusNorm string

const (
	StatusActive   StatusNorm = "ACTIVE"
	StatusInactive StatusNorm = "INACTIVE"
)

var activeStatuses = map[string]struct{}{
	"DON": {}, "QUE": {}, "QUEUED": {}, "ACK": {}, "REC": {},
	"RECEIVED": {}, "NEW": {}, "OPEN": {}, "PENDING": {}, "PND": {},
	"PARTIALLY_FILLED": {}, "PARTIAL": {}, "WORKING": {}, "ACTIVE": {},
}

var inactiveStatuses = map[string]struct{}{
	"FILLED": {}, "FIL": {}, "FLL": {}, "CANCELED": {}, "CAN": {},
	"CANCELLED": {}, "EXPIRED": {}, "EXP": {}, "REJECTED": {}, "REJ": {},
	"OUT": {}, "CLOSED": {},
}

// Terminal statuses remove a stop-limit repository entry outright.
var terminalStatuses = map[string]struct{}{
	"FIL": {}, "FLL": {}, "CAN": {}, "EXP": {}, "REJ": {}, "OUT": {},
	"FILLED": {}, "CANCELED": {}, "CANCELLED": {}, "EXPIRED": {}, "REJECTED": {},
}

// NormalizeStatus maps a raw broker status code to ACTIVE or INACTIVE.
func NormalizeStatus(raw string) StatusNorm {
	norm, _ := NormalizeStatusKnown(raw)
	return norm
}

// NormalizeStatusKnown additionally reports whether the code was in the
// table. Callers log a warning for unknown codes so operators can extend
// the table if a broker introduces new ones.
func NormalizeStatusKnown(raw string) (StatusNorm, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := activeStatuses[code]; ok {
		return StatusActive, true
	}
	if _, ok := inactiveStatuses[code]; ok {
		return StatusInactive, true
	}
	return StatusInactive, false
}

// IsTerminalStatus reports whether a raw status ends a stop-limit's life.
func IsTerminalStatus(raw string) bool {
	_, ok := terminalStatuses[strings.ToUpper(strings.TrimSpace(raw))]
	return ok
}

// IsFillStatus reports whether a raw status denotes a (partial or full) fill.
func IsFillStatus(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FIL", "FLL", "FILLED":
		return true
	}
	return false
}
