package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a property's position in the acquisition lifecycle.
type Stage string

const (
	StageNew                 Stage = "NEW"
	StageEnriched            Stage = "ENRICHED"
	StageResearched          Stage = "RESEARCHED"
	StageWaitingForContracts Stage = "WAITING_FOR_CONTRACTS"
	StageComplete            Stage = "COMPLETE"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{StageNew, StageEnriched, StageResearched, StageWaitingForContracts, StageComplete}

// Rank returns the stage's position in Stages, or -1 when unknown.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	r := s.Rank()
	if r < 0 || r >= len(Stages)-1 {
		return "", false
	}
	return Stages[r+1], true
}

// ParseStage normalises and validates a stage name.
func ParseStage(value string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(value)))
	if st.Rank() < 0 {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return st, nil
}

// Contract statuses that count as completed for the final guard.
const (
	ContractStatusCompleted = "completed"
	ContractStatusSigned    = "signed"
)

// IsCompletedContractStatus reports whether status finishes a contract.
func IsCompletedContractStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case ContractStatusCompleted, ContractStatusSigned:
		return true
	}
	return false
}

// Audit actions.
const (
	AuditActionManualEdit     = "manual_status_edit"
	AuditActionAutoTransition = "auto_transition"
)

// EntityTypeProperty tags audit rows written for properties.
const EntityTypeProperty = "property"

// Property is the pipeline entity.
type Property struct {
	ID             string
	Address        string
	Stage          Stage
	StageUpdatedAt time.Time
	Summary        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contract is evidence for the last two guards.
type Contract struct {
	ID         string
	PropertyID string
	Name       string
	Required   bool
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuditEntry records a stage change or manual edit.
type AuditEntry struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	Actor      string
	FromStage  *Stage
	ToStage    *Stage
	Reason     string
	CreatedAt  time.Time
}

// Notification is a user-facing record emitted by automation.
type Notification struct {
	ID        string
	EntityID  *string
	Kind      string
	Title     string
	Body      string
	CreatedAt time.Time
}

// Transition describes one stage advance made by Run.
type Transition struct {
	ID     string `json:"id"`
	From   Stage  `json:"from"`
	To     Stage  `json:"to"`
	Reason string `json:"reason"`
}

// Report is the result of one Run.
type Report struct {
	Checked      int          `json:"checked"`
	Transitioned int          `json:"transitioned"`
	Skipped      int          `json:"skipped"`
	GuardErrors  int          `json:"guard_errors"`
	Failed       int          `json:"failed"`
	Transitions  []Transition `json:"transitions"`
}

// GuardError reports that a guard could not be evaluated for an entity.
type GuardError struct {
	EntityID string
	Stage    Stage
	Err      error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("evaluate %s guard for %s: %v", e.Stage, e.EntityID, e.Err)
}

func (e *GuardError) Unwrap() error {
	return e.Err
}
