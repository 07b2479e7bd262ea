// Package policy evaluates the two authorization models of the agent:
// capability rules for templated queries and wallet grants for policy
// mutations and dynamic data execution.
package policy

import (
	"sort"
	"strings"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

// CapabilityDecision is the result of evaluating one capability request.
type CapabilityDecision struct {
	Code             string
	Message          string
	AllowedTemplates []string
}

// Allowed reports whether the capability evaluation passed.
func (d CapabilityDecision) Allowed() bool { return d.Code == contracts.CodeAllowed }

// Rules is the active capability → template allowlist mapping.
type Rules struct {
	rules map[string]config.CapabilityRule
}

// NewRules builds the rule set. The map is treated as immutable after
// construction; rotation means building a new Rules value.
func NewRules(m map[string]config.CapabilityRule) *Rules {
	if m == nil {
		m = map[string]config.CapabilityRule{}
	}
	return &Rules{rules: m}
}

// Evaluate runs the capability ladder: capability known → requester allowed
// → template allowed. TEMPLATE_NOT_ALLOWED responses carry the configured
// template set so the caller can self-correct.
func (r *Rules) Evaluate(requester, capability, template string) CapabilityDecision {
	rule, ok := r.rules[capability]
	if !ok {
		return CapabilityDecision{
			Code:    contracts.CodeUnknownCapability,
			Message: "capability " + capability + " is not configured",
		}
	}

	if len(rule.Requesters) > 0 {
		requester = strings.ToLower(requester)
		found := false
		for _, allowed := range rule.Requesters {
			if strings.ToLower(allowed) == requester {
				found = true
				break
			}
		}
		if !found {
			return CapabilityDecision{
				Code:    contracts.CodeRequesterNotAllowed,
				Message: "requester is not on the capability allowlist",
			}
		}
	}

	for _, allowed := range rule.Templates {
		if allowed == template {
			return CapabilityDecision{Code: contracts.CodeAllowed}
		}
	}
	templates := make([]string, len(rule.Templates))
	copy(templates, rule.Templates)
	sort.Strings(templates)
	return CapabilityDecision{
		Code:             contracts.CodeTemplateNotAllowed,
		Message:          "template " + template + " is not allowed for capability " + capability,
		AllowedTemplates: templates,
	}
}

// CapabilityMode maps a capability suffix to the template mode it may
// execute. Suffix ":write" pairs with write templates, everything else
// (including ":read") pairs with read templates.
func CapabilityMode(capability string) database.Mode {
	if strings.HasSuffix(capability, ":write") {
		return database.ModeWrite
	}
	return database.ModeRead
}
