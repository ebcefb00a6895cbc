package message

import "fmt"

// Status is the sender-visible delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s Status) Valid() bool { return s.rank() > 0 }

// Before reports whether s comes strictly earlier than other in
// sent -> delivered -> read.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", v)
	}
	return s, nil
}
