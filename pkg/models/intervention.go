package models

import (
	"encoding/json"
	"time"
)

// BlockerType classifies an obstacle preventing automatic progress
type BlockerType string

const (
	BlockerNone                  BlockerType = "none"
	BlockerVerificationChallenge BlockerType = "verification_challenge"
	BlockerLoginRequired         BlockerType = "login_required"
	BlockerFileUpload            BlockerType = "file_upload"
	BlockerCustomQuestion        BlockerType = "custom_question"
	BlockerMultiStepForm         BlockerType = "multi_step_form"
	BlockerReviewBeforeSubmit    BlockerType = "review_before_submit"
	BlockerError                 BlockerType = "error"
)

// Priority orders overlapping blocker signals; a higher value preempts a
// lower one. Unrecoverable conditions outrank softer ones.
func (t BlockerType) Priority() int {
	switch t {
	case BlockerError:
		return 7
	case BlockerVerificationChallenge:
		return 6
	case BlockerLoginRequired:
		return 5
	case BlockerFileUpload:
		return 4
	case BlockerCustomQuestion:
		return 3
	case BlockerMultiStepForm:
		return 2
	case BlockerReviewBeforeSubmit:
		return 1
	}
	return 0
}

// AutoSolvable reports whether delegated automatic resolution may be
// attempted for this blocker type. Multi-step forms are handled partially
// by strategies and are not resolved through the solver capability.
func (t BlockerType) AutoSolvable() bool {
	return t == BlockerVerificationChallenge
}

// InterventionStatus represents the lifecycle state of an intervention
type InterventionStatus string

const (
	InterventionPending  InterventionStatus = "pending"
	InterventionResolved InterventionStatus = "resolved"
)

// Intervention is a durable record of a blocker awaiting human or
// programmatic resolution. A session has at most one pending intervention.
type Intervention struct {
	ID                 string             `json:"id"`
	SessionID          string             `json:"sessionId"`
	Type               BlockerType        `json:"type"`
	Subtype            string             `json:"subtype,omitempty"`
	Message            string             `json:"message"`
	PageURL            string             `json:"pageUrl,omitempty"`
	AutoSolveAttempted bool               `json:"autoSolveAttempted"`
	AutoSolveError     string             `json:"autoSolveError,omitempty"`
	Status             InterventionStatus `json:"status"`
	ResolutionPayload  json.RawMessage    `json:"resolutionPayload,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the intervention, safe to hand to encoders
// while the live record keeps changing.
func (iv *Intervention) Clone() *Intervention {
	c := *iv
	c.ResolutionPayload = append(json.RawMessage(nil), iv.ResolutionPayload...)
	if iv.ResolvedAt != nil {
		t := *iv.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Resolution is the payload supplied when resolving an intervention.
// Action is one of: continue, submit, cancel.
type Resolution struct {
	Action  string            `json:"action"`
	Notes   string            `json:"notes,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}
