// Package engine evaluates org portal policy with OPA Rego: amount ceilings,
// action allowlists, TTL caps, and redirect origin allowlists.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DeniedError reports the policy rules a request violated.
type DeniedError struct {
	OrgID   string
	Reasons []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied for org %s: %s", e.OrgID, strings.Join(e.Reasons, "; "))
}

// IsDenied reports whether err is a policy denial (as opposed to an
// evaluation or storage failure).
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// Evaluator authorizes portal session operations against org policy.
type Evaluator interface {
	// AuthorizeCreate checks session creation limits. Returns *DeniedError on
	// violation, nil when permitted.
	AuthorizeCreate(ctx context.Context, orgID string, amountCents int64, actions []string, ttlSeconds int) error
	// AuthorizeRedirect checks redirect target origins against the org
	// allowlist. An empty origins slice is always permitted.
	AuthorizeRedirect(ctx context.Context, orgID string, origins []string) error
}
