package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusPendingSign Status = "PENDING_SIGN"
	StatusSigned      Status = "SIGNED"
	StatusExpired     Status = "EXPIRED"
	StatusCancelled   Status = "CANCELLED"
)

var AllStatuses = []Status{StatusDraft, StatusPendingSign, StatusSigned, StatusExpired, StatusCancelled}

// ParseStatus accepts the canonical names. "PENDING" is read as PENDING_SIGN.
func ParseStatus(s string) (Status, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "PENDING":
		return StatusPendingSign, nil
	case string(StatusDraft), string(StatusPendingSign), string(StatusSigned), string(StatusExpired), string(StatusCancelled):
		return Status(v), nil
	default:
		return "", fmt.Errorf("unknown contract status: %s", s)
	}
}

// Label returns the Spanish display label.
func (s Status) Label() (string, error) {
	switch s {
	case StatusDraft:
		return "Borrador", nil
	case StatusPendingSign:
		return "Pendiente de Firma", nil
	case StatusSigned:
		return "Firmado", nil
	case StatusExpired:
		return "Expirado", nil
	case StatusCancelled:
		return "Cancelado", nil
	}
	return "", fmt.Errorf("no label for contract status %q", string(s))
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusPendingSign || to == StatusCancelled
	case StatusPendingSign:
		return to == StatusSigned || to == StatusExpired || to == StatusCancelled
	}
	return false
}
