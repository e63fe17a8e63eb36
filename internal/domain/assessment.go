package domain

import (
	"strings"
	"time"
)

// Phase is the active screen of the assessment wizard.
type Phase string

const (
	PhaseQuestions  Phase = "questions"
	PhaseDetails    Phase = "details"
	PhaseProcessing Phase = "processing"
	PhaseSuccess    Phase = "success"
)

// StageStatus is the lifecycle state of a processing stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
)

// Direction records which way the wizard last moved between questions.
// It only drives transition animations.
type Direction int

const (
	DirectionForward  Direction = 1
	DirectionBackward Direction = -1
)

// ContactDetails is the lead contact form.
type ContactDetails struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// Valid reports whether both required fields are non-empty after trimming.
func (c ContactDetails) Valid() bool {
	return strings.TrimSpace(c.Name) != "" && strings.TrimSpace(c.Email) != ""
}

// Trimmed returns a copy with surrounding whitespace removed from every field.
func (c ContactDetails) Trimmed() ContactDetails {
	return ContactDetails{
		Name:    strings.TrimSpace(c.Name),
		Email:   strings.TrimSpace(c.Email),
		Phone:   strings.TrimSpace(c.Phone),
		Company: strings.TrimSpace(c.Company),
	}
}

// Lead is what a completed details form hands to the lead submitter.
type Lead struct {
	VisitorID   string         `json:"visitor_id,omitempty"`
	Answers     map[int]string `json:"answers"`
	Contact     ContactDetails `json:"contact"`
	SubmittedAt time.Time      `json:"submitted_at"`
}
