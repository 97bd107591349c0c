package domain

import "fmt"

// Status is a user's availability for receiving calls.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusBusy         Status = "busy"
	StatusDoNotDisturb Status = "do_not_disturb"
	StatusOffline      Status = "offline"
)

// ParseStatus validates a wire status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusAvailable, StatusBusy, StatusDoNotDisturb, StatusOffline:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}
