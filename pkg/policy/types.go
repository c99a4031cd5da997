package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but never block an install.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the install.
	SeverityError Severity = "error"

	// SeverityCritical blocks the install.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity makes a product ineligible.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the client.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// App is the slug of the product that violated the policy.
	App string `json:"app,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating all enabled policies on a product.
type Result struct {
	// Allowed indicates if the install may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the install.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	// Product is the product about to be installed.
	Product *storefront.Product `json:"product"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Platform is the platform the client runs on (e.g. "linux").
	Platform string `json:"platform,omitempty"`

	// AllowInsecureManifests permits manifests served over plain HTTP.
	AllowInsecureManifests bool `json:"allow_insecure_manifests"`

	// Operation is the operation being gated, currently always "install".
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`

	CreatedAt time.Time `json:"created_at"`
}

// IneligibleError is returned by Engine.Check when blocking violations were
// found. It matches storefront.ErrIneligible.
type IneligibleError struct {
	App        string
	Violations []Violation
}

func (e *IneligibleError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("%s is not eligible for install: %s", e.App, strings.Join(msgs, "; "))
}

// Unwrap exposes storefront.ErrIneligible to errors.Is.
func (e *IneligibleError) Unwrap() error {
	return storefront.ErrIneligible
}
