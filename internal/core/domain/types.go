package domain

import (
	"fmt"
	"strings"
)

// StatusType is the execution gate carried by an OperationContext and declared
// by filters and channels.
type StatusType int

const (
	// StatusNormal is the status of a request that has not faulted.
	StatusNormal StatusType = iota
	// StatusFault is set by a filter once the request can no longer succeed normally.
	StatusFault
	// StatusAny is only meaningful as a declared execution status: the stage runs regardless.
	StatusAny
)

// String returns the display form used in trace lines ("Normal", "Fault", "Any").
func (s StatusType) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusFault:
		return "Fault"
	case StatusAny:
		return "Any"
	default:
		return fmt.Sprintf("StatusType(%d)", int(s))
	}
}

// Allows reports whether a stage declared with s is eligible to run when the
// context status is current.
func (s StatusType) Allows(current StatusType) bool {
	return s == StatusAny || s == current
}

// ParseStatusType parses a configured status. Empty defaults to Normal.
func ParseStatusType(s string) (StatusType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return StatusNormal, nil
	case "fault":
		return StatusFault, nil
	case "any":
		return StatusAny, nil
	default:
		return StatusNormal, fmt.Errorf("invalid status %q (must be 'normal', 'fault' or 'any')", s)
	}
}

// ChannelState is the lifecycle state of a channel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelReceiving
	ChannelClosing
	ChannelError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "Closed"
	case ChannelOpening:
		return "Opening"
	case ChannelOpen:
		return "Open"
	case ChannelReceiving:
		return "Receiving"
	case ChannelClosing:
		return "Closing"
	case ChannelError:
		return "Error"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// IsActive reports whether sends are permitted in this state.
func (s ChannelState) IsActive() bool {
	return s == ChannelOpen || s == ChannelReceiving
}
