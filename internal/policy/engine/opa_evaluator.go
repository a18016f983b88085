package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"presence-agent/internal/policy/domain"
	"presence-agent/internal/policy/repository"
)

const policyQuery = "data.presence.session_access"

// Default Rego policy: a caller may list and terminate any session of its own user.
const defaultRegoPolicy = `package presence.session_access

default allow := false

default reason := "denied"

allow if {
	input.caller.user_id != ""
	input.caller.user_id == input.target.user_id
	input.action in {"list_sessions", "terminate_session"}
}

reason := "own user" if allow

reason := "unauthenticated" if input.caller.user_id == ""

reason := "other user" if {
	input.caller.user_id != ""
	input.caller.user_id != input.target.user_id
}
`

// OPAEvaluator evaluates session access policies using OPA Rego. Policies from the repository replace the
// built-in policy; if they fail to compile or evaluate the built-in policy decides.
type OPAEvaluator struct {
	policyRepo repository.Repository
	logger     *zap.Logger
}

// NewOPAEvaluator returns an OPA-based policy evaluator. policyRepo may be nil.
func NewOPAEvaluator(policyRepo repository.Repository, logger *zap.Logger) *OPAEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OPAEvaluator{policyRepo: policyRepo, logger: logger.Named("policy")}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy repo. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.evaluate(ctx, []string{defaultRegoPolicy}, buildInput(domain.AccessRequest{
		Action:       domain.ActionListSessions,
		CallerUserID: "health",
		TargetUserID: "health",
	}))
	return err
}

// AuthorizeSession evaluates req against the enabled policies.
func (e *OPAEvaluator) AuthorizeSession(ctx context.Context, req domain.AccessRequest) (domain.Decision, error) {
	input := buildInput(req)

	var policies []string
	if e.policyRepo != nil {
		enabled, err := e.policyRepo.ListEnabled(ctx)
		if err != nil {
			e.logger.Warn("load policies", zap.Error(err))
		}
		for _, p := range enabled {
			if p.Enabled && p.Rules != "" {
				policies = append(policies, p.Rules)
			}
		}
	}
	if len(policies) > 0 {
		d, err := e.evaluate(ctx, policies, input)
		if err == nil {
			return d, nil
		}
		e.logger.Warn("custom policy failed, using built-in policy", zap.Error(err))
	}
	return e.evaluate(ctx, []string{defaultRegoPolicy}, input)
}

func buildInput(req domain.AccessRequest) map[string]interface{} {
	return map[string]interface{}{
		"action": req.Action,
		"caller": map[string]interface{}{
			"user_id":    req.CallerUserID,
			"session_id": req.CallerSessionID,
		},
		"target": map[string]interface{}{
			"user_id":    req.TargetUserID,
			"session_id": req.TargetSessionID,
			"is_current": req.CallerSessionID != "" && req.CallerSessionID == req.TargetSessionID,
		},
	}
}

func (e *OPAEvaluator) evaluate(ctx context.Context, policies []string, input map[string]interface{}) (domain.Decision, error) {
	modules := make(map[string]string, len(policies))
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("compile policies: %w", err)
	}
	rs, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("eval policies: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return domain.Decision{}, errors.New("policy query returned no result")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return domain.Decision{}, fmt.Errorf("policy result is %T, want object", rs[0].Expressions[0].Value)
	}
	d := domain.Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Reason, _ = obj["reason"].(string)
	return d, nil
}
