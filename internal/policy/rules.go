package policy

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/trustplane/backend/internal/store"
)

// Built-in rule identifiers, in evaluation order.
const (
	RuleAuthentication  = "authentication-required"
	RuleRBAC            = "rbac-check"
	RuleRateLimit       = "rate-limit-per-user"
	RulePromptInjection = "prompt-injection-detection"
	RuleContentSafety   = "content-safety"
	RulePIIRedaction    = "pii-redaction"
)

// Enforcement modes for a rule.
const (
	EnforcementBlocking = "blocking"
	EnforcementLogging  = "logging"
	EnforcementAdvisory = "advisory"
)

// evaluationOrder is fixed and deterministic.
var evaluationOrder = []string{
	RuleAuthentication,
	RuleRBAC,
	RuleRateLimit,
	RulePromptInjection,
	RuleContentSafety,
	RulePIIRedaction,
}

// injectionPatterns detect prompt-injection attempts. Matching is
// case-insensitive over the raw prompt.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
	regexp.MustCompile(`(?i)reveal\s+(the\s+|your\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i)show\s+me\s+(the\s+|your\s+)?(system\s+prompt|initial\s+instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode)`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+have\s+)?no\s+(restrictions|rules|guidelines)`),
	regexp.MustCompile(`(?i)override\s+(your\s+)?safety\s+(settings|guidelines|filters)`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
}

// contentCategory is one lexical content-safety category.
type contentCategory struct {
	Name     string
	Patterns []*regexp.Regexp
}

var contentCategories = []contentCategory{
	{
		Name: "violence",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)how\s+to\s+(make|build)\s+(a\s+)?(bomb|explosive|weapon)`),
			regexp.MustCompile(`(?i)instructions\s+for\s+(killing|harming)`),
		},
	},
	{
		Name: "malware",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)write\s+(me\s+)?(a\s+)?(ransomware|keylogger|virus)`),
			regexp.MustCompile(`(?i)bypass\s+(antivirus|edr|endpoint\s+detection)`),
		},
	},
	{
		Name: "credentials",
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)steal\s+(passwords|credentials|cookies)`),
			regexp.MustCompile(`(?i)phishing\s+(page|template|email)\s+for`),
		},
	},
}

// ruleConfig is the engine's resolved view of one rule: the built-in
// defaults overlaid by any declarative row from the store.
type ruleConfig struct {
	ID          string
	Enabled     bool
	Enforcement string
	Version     int
	Params      json.RawMessage
}

// defaultRuleSet returns the built-in configuration: everything enabled,
// the first five blocking, PII redaction modifying.
func defaultRuleSet() map[string]ruleConfig {
	set := make(map[string]ruleConfig, len(evaluationOrder))
	for _, id := range evaluationOrder {
		enforcement := EnforcementBlocking
		if id == RulePIIRedaction {
			enforcement = EnforcementLogging
		}
		set[id] = ruleConfig{ID: id, Enabled: true, Enforcement: enforcement, Version: 1}
	}
	return set
}

// overlayRules applies declarative store rows on top of the defaults.
// A row's name must match a built-in rule id; unknown names are ignored
// (they belong to rule types this engine does not evaluate).
func overlayRules(defaults map[string]ruleConfig, rows []store.PolicyRule) map[string]ruleConfig {
	set := make(map[string]ruleConfig, len(defaults))
	for id, cfg := range defaults {
		set[id] = cfg
	}
	for _, row := range rows {
		id := strings.TrimSpace(row.Name)
		base, ok := set[id]
		if !ok {
			continue
		}
		base.Enabled = row.Enabled
		if row.Enforcement != "" {
			base.Enforcement = row.Enforcement
		}
		if row.Version > base.Version {
			base.Version = row.Version
		}
		if len(row.Rules) > 0 {
			base.Params = row.Rules
		}
		set[id] = base
	}
	return set
}

// matchInjection returns the first matching injection pattern, or "".
func matchInjection(prompt string) string {
	for _, p := range injectionPatterns {
		if p.MatchString(prompt) {
			return p.String()
		}
	}
	return ""
}

// matchContent returns the first offending category, or "".
func matchContent(prompt string) string {
	for _, cat := range contentCategories {
		for _, p := range cat.Patterns {
			if p.MatchString(prompt) {
				return cat.Name
			}
		}
	}
	return ""
}
