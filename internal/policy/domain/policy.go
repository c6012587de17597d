package domain

import "time"

// OrgPolicy is an org-level portal policy: structured limits plus an optional
// custom Rego module layered on top of the built-in rules. Zero-valued limits
// mean unrestricted.
type OrgPolicy struct {
	ID                     string
	OrgID                  string
	MaxAmountCents         int64
	AllowedActions         []string
	MaxTTLSeconds          int
	AllowedRedirectOrigins []string
	Rules                  string // extra Rego, may be empty
	Enabled                bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
