package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/policy/repository"
)

const denyQuery = "data.portal.limits.deny"

// Built-in Rego rules. Org rows supply the limits as input; a zero or empty
// limit disables the corresponding rule. Custom org modules layer on top.
const defaultRegoPolicy = `package portal.limits

deny contains msg if {
	input.org.max_amount_cents > 0
	input.request.amount_cents > input.org.max_amount_cents
	msg := sprintf("amount %d exceeds org limit %d", [input.request.amount_cents, input.org.max_amount_cents])
}

deny contains msg if {
	count(input.org.allowed_actions) > 0
	some action in input.request.actions
	not permitted_action(action)
	msg := sprintf("action %s not permitted for org", [action])
}

permitted_action(action) if {
	some allowed in input.org.allowed_actions
	action == allowed
}

deny contains msg if {
	input.org.max_ttl_seconds > 0
	input.request.ttl_seconds > input.org.max_ttl_seconds
	msg := sprintf("ttl %d exceeds org limit %d", [input.request.ttl_seconds, input.org.max_ttl_seconds])
}

deny contains msg if {
	count(input.org.allowed_redirect_origins) > 0
	some origin in input.request.origins
	not permitted_origin(origin)
	msg := sprintf("redirect origin %s not allowed for org", [origin])
}

permitted_origin(origin) if {
	some allowed in input.org.allowed_redirect_origins
	origin == allowed
}
`

// OPAEvaluator evaluates portal limits using the in-process OPA Rego engine.
// Without a stored org policy every request is permitted.
type OPAEvaluator struct {
	policyRepo repository.Repository
	log        *zap.Logger
}

// NewOPAEvaluator returns an OPA-based policy evaluator.
func NewOPAEvaluator(policyRepo repository.Repository, log *zap.Logger) *OPAEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &OPAEvaluator{policyRepo: policyRepo, log: log}
}

// HealthCheck verifies the Rego engine can compile and evaluate the built-in
// rules. Does not touch the policy repo or database.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	input := map[string]interface{}{
		"org": map[string]interface{}{
			"max_amount_cents":         int64(0),
			"allowed_actions":          []string{},
			"max_ttl_seconds":          0,
			"allowed_redirect_origins": []string{},
		},
		"request": map[string]interface{}{
			"amount_cents": int64(0),
			"actions":      []string{},
			"ttl_seconds":  0,
			"origins":      []string{},
		},
	}
	_, err := e.evaluate(ctx, []string{defaultRegoPolicy}, input)
	return err
}

// AuthorizeCreate checks creation limits against the org's stored policy.
func (e *OPAEvaluator) AuthorizeCreate(ctx context.Context, orgID string, amountCents int64, actions []string, ttlSeconds int) error {
	return e.authorize(ctx, orgID, map[string]interface{}{
		"amount_cents": amountCents,
		"actions":      nonNil(actions),
		"ttl_seconds":  ttlSeconds,
		"origins":      []string{},
	})
}

// AuthorizeRedirect checks redirect origins against the org allowlist.
func (e *OPAEvaluator) AuthorizeRedirect(ctx context.Context, orgID string, origins []string) error {
	if len(origins) == 0 {
		return nil
	}
	return e.authorize(ctx, orgID, map[string]interface{}{
		"amount_cents": int64(0),
		"actions":      []string{},
		"ttl_seconds":  0,
		"origins":      origins,
	})
}

func (e *OPAEvaluator) authorize(ctx context.Context, orgID string, request map[string]interface{}) error {
	policy, err := e.policyRepo.GetByOrg(ctx, orgID)
	if err != nil {
		e.log.Error("policy: load failed", zap.String("org_id", orgID), zap.Error(err))
		return err
	}
	if policy == nil {
		return nil
	}

	input := map[string]interface{}{
		"org": map[string]interface{}{
			"max_amount_cents":         policy.MaxAmountCents,
			"allowed_actions":          nonNil(policy.AllowedActions),
			"max_ttl_seconds":          policy.MaxTTLSeconds,
			"allowed_redirect_origins": nonNil(policy.AllowedRedirectOrigins),
		},
		"request": request,
	}
	modules := []string{defaultRegoPolicy}
	if policy.Rules != "" {
		modules = append(modules, policy.Rules)
	}

	denials, err := e.evaluate(ctx, modules, input)
	if err != nil {
		e.log.Error("policy: evaluation failed", zap.String("org_id", orgID), zap.Error(err))
		return err
	}
	if len(denials) > 0 {
		return &DeniedError{OrgID: orgID, Reasons: denials}
	}
	return nil
}

func (e *OPAEvaluator) evaluate(ctx context.Context, policies []string, input map[string]interface{}) ([]string, error) {
	modules := make(map[string]string)
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	q := rego.New(
		rego.Query(denyQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("eval policies: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy query returned no result")
	}

	var denials []string
	if set, ok := rs[0].Expressions[0].Value.([]interface{}); ok {
		for _, v := range set {
			if msg, ok := v.(string); ok {
				denials = append(denials, msg)
			}
		}
	}
	return denials, nil
}

// nonNil keeps empty lists as [] in OPA input so count() is well-defined.
func nonNil(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
