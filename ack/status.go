package ack

import (
	"fmt"
	"strings"
)

// Status is the terminal decision for a message. Values are ordered by
// severity: Accept < Requeue < Reject.
type Status uint8

const (
	Accept Status = iota
	Requeue
	Reject
)

func (s Status) String() string {
	switch s {
	case Accept:
		return "ACCEPT"
	case Requeue:
		return "REQUEUE"
	case Reject:
		return "REJECT"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return Accept, nil
	case "REQUEUE":
		return Requeue, nil
	case "REJECT":
		return Reject, nil
	}
	return Accept, fmt.Errorf("invalid status: %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Max returns the most severe of the given statuses.
func Max(s Status, others ...Status) Status {
	for _, o := range others {
		if o > s {
			s = o
		}
	}
	return s
}
