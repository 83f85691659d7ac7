// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrParticipantIDEmpty = errors.New("participant id empty")
)

type ParticipantID string

// Participant is one person present in a room. Identity is stable for the
// session.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"name"`
	Subject     string        `json:"subject,omitempty"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(displayName string) (*Participant, error) {
	if err := ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Participant{
		ID:          ParticipantID(uuid.NewString()),
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}, nil
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

func (p *Participant) SetDisplayName(name string) error {
	if err := ValidateDisplayName(name); err != nil {
		return err
	}
	p.DisplayName = name
	return nil
}
