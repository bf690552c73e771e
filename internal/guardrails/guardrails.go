// Package guardrails evaluates policy rules around model calls. The
// request phase inspects the latest user input before the model sees
// it; the response phase inspects what the model produced.
//
// Supported rule kinds:
//   - keyword: case-insensitive phrase blocklist
//   - regex: custom patterns, any match triggers
//   - max_length: character limit
//   - pii: built-in email, phone, ssn and credit_card detectors
//   - prompt_injection: heuristic injection phrases
package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/nugget/turnloop/internal/config"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
)

// Phase is the point in a turn where rules run.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Disposition is the outcome a triggered rule asks for.
type Disposition string

const (
	Block Disposition = "block"
	Warn  Disposition = "warn"
)

// Incident is one triggered rule.
type Incident struct {
	Rule        string      `json:"rule"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason"`
}

// Result is the outcome of evaluating a phase. OK is false when any
// incident blocks.
type Result struct {
	OK        bool
	Incidents []Incident
}

// Blocking returns the first blocking incident.
func (r *Result) Blocking() (Incident, bool) {
	if r == nil {
		return Incident{}, false
	}
	for _, inc := range r.Incidents {
		if inc.Disposition == Block {
			return inc, true
		}
	}
	return Incident{}, false
}

// Evaluator checks a run against policy for one phase.
type Evaluator interface {
	Evaluate(ctx context.Context, phase Phase, st *state.AgentState) (*Result, error)
}

// EvaluatorFunc adapts a function to [Evaluator].
type EvaluatorFunc func(ctx context.Context, phase Phase, st *state.AgentState) (*Result, error)

// Evaluate implements [Evaluator].
func (f EvaluatorFunc) Evaluate(ctx context.Context, phase Phase, st *state.AgentState) (*Result, error) {
	return f(ctx, phase, st)
}

// rule is a compiled configuration rule.
type rule struct {
	name        string
	kind        string
	phase       string
	disposition Disposition
	keywords    []string
	patterns    []*regexp.Regexp
	maxChars    int
	message     string
}

// RuleSet is a rule-based [Evaluator] built from configuration.
type RuleSet struct {
	rules []rule
}

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}

// piiOrder keeps detector evaluation deterministic.
var piiOrder = []string{"email", "ssn", "credit_card", "phone"}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

// NewRuleSet compiles configuration rules. Unknown kinds and invalid
// patterns are errors.
func NewRuleSet(cfg []config.GuardrailRule) (*RuleSet, error) {
	rs := &RuleSet{}
	for i, c := range cfg {
		r := rule{
			name:        c.Name,
			kind:        c.Kind,
			phase:       c.Phase,
			disposition: Disposition(c.Disposition),
			maxChars:    c.MaxChars,
			message:     c.Message,
		}
		if r.name == "" {
			r.name = fmt.Sprintf("%s-%d", c.Kind, i)
		}
		if r.disposition == "" {
			r.disposition = Block
		}
		if r.disposition != Block && r.disposition != Warn {
			return nil, fmt.Errorf("rule %s: unknown disposition %q", r.name, c.Disposition)
		}
		switch r.phase {
		case "", "both", string(PhaseRequest), string(PhaseResponse):
		default:
			return nil, fmt.Errorf("rule %s: unknown phase %q", r.name, c.Phase)
		}

		switch c.Kind {
		case "keyword":
			for _, p := range c.Patterns {
				r.keywords = append(r.keywords, strings.ToLower(p))
			}
		case "regex":
			for _, p := range c.Patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					return nil, fmt.Errorf("rule %s: %w", r.name, err)
				}
				r.patterns = append(r.patterns, re)
			}
		case "max_length":
			if c.MaxChars <= 0 {
				return nil, fmt.Errorf("rule %s: max_chars must be positive", r.name)
			}
		case "pii":
			for _, p := range c.Patterns {
				if _, ok := piiPatterns[p]; !ok {
					return nil, fmt.Errorf("rule %s: unknown pii detector %q", r.name, p)
				}
			}
			r.keywords = c.Patterns
		case "prompt_injection":
		default:
			return nil, fmt.Errorf("rule %s: unknown kind %q", r.name, c.Kind)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate implements [Evaluator].
func (rs *RuleSet) Evaluate(ctx context.Context, phase Phase, st *state.AgentState) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{OK: true}
	if rs == nil || len(rs.rules) == 0 {
		return res, nil
	}

	text := Subject(phase, st.Messages)
	for _, r := range rs.rules {
		if r.phase != "" && r.phase != "both" && r.phase != string(phase) {
			continue
		}
		reason, hit := r.check(text)
		if !hit {
			continue
		}
		if r.message != "" {
			reason = r.message
		}
		res.Incidents = append(res.Incidents, Incident{Rule: r.name, Disposition: r.disposition, Reason: reason})
		if r.disposition == Block {
			res.OK = false
		}
	}
	return res, nil
}

func (r rule) check(text string) (string, bool) {
	switch r.kind {
	case "keyword":
		lower := strings.ToLower(text)
		for _, k := range r.keywords {
			if k != "" && strings.Contains(lower, k) {
				return "contains prohibited phrase " + fmt.Sprintf("%q", k), true
			}
		}
	case "regex":
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return "matched pattern " + re.String(), true
			}
		}
	case "max_length":
		if n := utf8.RuneCountInString(text); n > r.maxChars {
			return fmt.Sprintf("length %d exceeds limit %d", n, r.maxChars), true
		}
	case "pii":
		for _, name := range piiOrder {
			if len(r.keywords) > 0 && !slices.Contains(r.keywords, name) {
				continue
			}
			if piiPatterns[name].MatchString(text) {
				return "PII detected: " + name, true
			}
		}
	case "prompt_injection":
		for _, re := range injectionPatterns {
			if re.MatchString(text) {
				return "potential prompt injection", true
			}
		}
	}
	return "", false
}

// Subject returns the text a phase inspects: the latest user message
// for requests, and the latest assistant message (including tool-call
// arguments) for responses.
func Subject(phase Phase, messages []llm.Message) string {
	role := llm.RoleUser
	if phase == PhaseResponse {
		role = llm.RoleAssistant
	}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != role {
			continue
		}
		if role == llm.RoleUser {
			return m.Text()
		}
		var b strings.Builder
		b.WriteString(m.Text())
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n%s %v", tc.Function.Name, tc.Function.Arguments)
		}
		return b.String()
	}
	return ""
}
