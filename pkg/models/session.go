package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the current state of an application session
type SessionStatus string

const (
	StatusPending           SessionStatus = "pending"
	StatusInProgress        SessionStatus = "in_progress"
	StatusPaused            SessionStatus = "paused"
	StatusNeedsIntervention SessionStatus = "needs_intervention"
	StatusSubmitted         SessionStatus = "submitted"
	StatusFailed            SessionStatus = "failed"
	StatusCancelled         SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode governs how much human confirmation is required before final submission
type Mode string

const (
	ModeAssisted Mode = "assisted"
	ModeSemiAuto Mode = "semi_auto"
	ModeAuto     Mode = "auto"
)

// Valid reports whether m is a known automation mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAssisted, ModeSemiAuto, ModeAuto:
		return true
	}
	return false
}

// FillEntry records a single field written during automation
type FillEntry struct {
	Step     int       `json:"step"`
	Field    string    `json:"field"`
	Selector string    `json:"selector"`
	Value    string    `json:"value"`
	FilledAt time.Time `json:"filledAt"`
}

// Transition records one committed state-machine transition
type Transition struct {
	From   SessionStatus `json:"from"`
	To     SessionStatus `json:"to"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// Session represents one attempt to complete one application.
// Owned exclusively by the session manager; mutated only through
// state-machine transitions.
type Session struct {
	ID                 string        `json:"id"`
	JobURL             string        `json:"jobUrl"`
	Mode               Mode          `json:"mode"`
	Status             SessionStatus `json:"status"`
	Cursor             int           `json:"cursor"`
	CurrentURL         string        `json:"currentUrl,omitempty"`
	FillLog            []FillEntry   `json:"fillLog"`
	ArtifactRefs       []string      `json:"artifactRefs"`
	History            []Transition  `json:"history"`
	Profile            Profile       `json:"profile"`
	OpenInterventionID string        `json:"openInterventionId,omitempty"`
	ReviewApproved     bool          `json:"reviewApproved,omitempty"`
	FailureReason      string        `json:"failureReason,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the session, safe to hand to encoders while
// the live record keeps changing.
func (s *Session) Clone() *Session {
	c := *s
	c.FillLog = append([]FillEntry(nil), s.FillLog...)
	c.ArtifactRefs = append([]string(nil), s.ArtifactRefs...)
	c.History = append([]Transition(nil), s.History...)
	return &c
}

// StartSessionRequest is the payload for starting a new session
type StartSessionRequest struct {
	JobURL  string  `json:"jobUrl"`
	Mode    Mode    `json:"mode,omitempty"`
	Profile Profile `json:"profile"`
}

// ResumeSessionRequest is the payload for resuming a session. Resolution
// must be empty: resolution payloads go on the intervention resolve call.
type ResumeSessionRequest struct {
	Resolution json.RawMessage `json:"resolution,omitempty"`
}
