package policy

import (
	"time"
)

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the operation.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the operation and
	// cannot be overridden.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation at this severity rejects the
// operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations the policy emits
	// without their own severity.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies evaluate against: one proposed
// operation, annotated with the resource type's protection tier from the
// catalog and the run's override flag.
type Input struct {
	// ResourceType is the type of the resource being operated on.
	ResourceType string `json:"resource_type"`

	// Kind is the operation kind (create, update, delete).
	Kind string `json:"kind"`

	// Protection is the catalog protection tier of the resource type.
	Protection string `json:"protection"`

	// AllowDangerous is the run-level override permitting high-risk
	// deletions.
	AllowDangerous bool `json:"allow_dangerous"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ResourceType is the resource type that triggered the violation.
	ResourceType string `json:"resource_type,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the outcome of evaluating all enabled policies against one
// input.
type Decision struct {
	// Allowed indicates if the operation is permitted.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies lists the names of the policies evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
