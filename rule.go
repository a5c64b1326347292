package dnsfwd

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Rule is a single rule-list entry, per the data model. Any overrides left
// unset inherit from the AppConfig defaults supplied to Resolve.
type Rule struct {
	// Pattern is matched against the question name. Anchoring is entirely
	// up to the pattern itself.
	Pattern string
	// Address is either a literal IPv4/IPv6 (a synthetic answer) or a
	// template domain forwarded to upstream, with {0}, {1}, ... substituted
	// by the pattern's capture groups. Empty means Passthrough.
	Address string
	// NameServer overrides the default upstream, host[:port] (port 53 if
	// omitted).
	NameServer string
	// UseHTTPQuery forces HTTP resolution for A queries.
	UseHTTPQuery *bool
	// QueryTimeout overrides the default timeout, in milliseconds.
	QueryTimeout *int
	// CompressionMutation overrides the default outbound encoding choice.
	CompressionMutation *bool
	// ForceAAAA treats this lookup as AAAA regardless of the question's
	// QTYPE.
	ForceAAAA bool

	compiled *regexp.Regexp
}

// RuleList is an ordered, pre-compiled sequence of rules. Matching walks
// the list from the last entry to the first; the first match wins. A
// RuleList is immutable once built and safe to share across goroutines, so
// it can be swapped atomically by a Supervisor on reload.
type RuleList struct {
	rules []Rule
}

// NewRuleList pre-compiles every rule's pattern and returns the resulting
// immutable RuleList. Patterns are compiled once here rather than on every
// match.
func NewRuleList(rules []Rule) (*RuleList, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d: invalid pattern %q", i, r.Pattern)
		}
		r.compiled = re
		compiled[i] = r
	}
	return &RuleList{rules: compiled}, nil
}

// Len reports the number of rules in the list.
func (l *RuleList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}

// RuleDefaults are the AppConfig-derived values a RuleOutcome falls back to
// when a rule doesn't override them.
type RuleDefaults struct {
	NameServer          string
	UseHTTPQuery        bool
	QueryTimeout        time.Duration
	CompressionMutation bool
}

// RuleActionKind distinguishes the three dispositions a matched rule (or an
// empty match) can produce.
type RuleActionKind int

const (
	// ActionPassthrough forwards the original query unchanged, possibly
	// with overridden knobs.
	ActionPassthrough RuleActionKind = iota
	// ActionSynthesize answers directly with a literal IP.
	ActionSynthesize
	// ActionRedirect forwards a rewritten query name upstream and maps the
	// answer back onto the original question name.
	ActionRedirect
)

// RuleOutcome is the resolved disposition for one question, layering a
// matched rule's overrides on top of the supplied defaults.
type RuleOutcome struct {
	Action       RuleActionKind
	SynthesizeIP net.IP
	RedirectName string // expanded template as written (no trailing dot added), only for ActionRedirect

	EffectiveType uint16
	Upstream      string
	UseHTTP       bool
	Timeout       time.Duration
	UseMutation   bool
}

// Resolve walks the rule list from the last entry to the first and returns
// the outcome of the first rule whose pattern matches q.Name, compared
// case-insensitively (q.Name is lowercased before matching, same as the
// cache key). A rule whose literal address has the wrong address family
// for the effective record type is skipped entirely: per the preserved
// source behavior, this ends the search outright rather than continuing
// to check earlier rules. No match (including an empty list) yields
// Passthrough with all defaults.
func (l *RuleList) Resolve(q dns.Question, defaults RuleDefaults) RuleOutcome {
	effectiveType := q.Qtype
	name := strings.ToLower(q.Name)

	n := l.Len()
	for i := n - 1; i >= 0; i-- {
		r := l.rules[i]
		m := r.compiled.FindStringSubmatchIndex(name)
		if m == nil {
			continue
		}

		t := q.Qtype
		if r.ForceAAAA {
			t = dns.TypeAAAA
		}

		out := RuleOutcome{
			EffectiveType: t,
			Upstream:      orString(r.NameServer, defaults.NameServer),
			UseHTTP:       orBool(r.UseHTTPQuery, defaults.UseHTTPQuery),
			Timeout:       orDurationMS(r.QueryTimeout, defaults.QueryTimeout),
			UseMutation:   orBool(r.CompressionMutation, defaults.CompressionMutation),
		}

		if r.Address == "" {
			out.Action = ActionPassthrough
			return out
		}

		if ip := net.ParseIP(r.Address); ip != nil {
			wantV4 := t == dns.TypeA
			isV4 := ip.To4() != nil
			if wantV4 != isV4 {
				// Family mismatch: break out of the rule loop entirely.
				// This preserves the source's (likely unintended) behavior
				// of not continuing the search; see the design notes.
				break
			}
			out.Action = ActionSynthesize
			out.SynthesizeIP = ip
			return out
		}

		out.Action = ActionRedirect
		out.RedirectName = expandTemplate(r.Address, name, m)
		return out
	}

	return RuleOutcome{
		Action:        ActionPassthrough,
		EffectiveType: effectiveType,
		Upstream:      defaults.NameServer,
		UseHTTP:       defaults.UseHTTPQuery,
		Timeout:       defaults.QueryTimeout,
		UseMutation:   defaults.CompressionMutation,
	}
}

// expandTemplate substitutes {0}, {1}, ... in tmpl with the full match and
// capture groups from m (a FindStringSubmatchIndex result against name),
// matching the from/to rewrite idiom but with positional group references
// rather than a regexp.Regexp.ReplaceAllString-style $1 substitution.
func expandTemplate(tmpl, name string, m []int) string {
	groups := make([]string, len(m)/2)
	for i := range groups {
		start, end := m[2*i], m[2*i+1]
		if start < 0 || end < 0 {
			continue
		}
		groups[i] = name[start:end]
	}

	out := make([]byte, 0, len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '{' {
			if j := strings.IndexByte(tmpl[i+1:], '}'); j >= 0 {
				idxStr := tmpl[i+1 : i+1+j]
				if idx, err := strconv.Atoi(idxStr); err == nil && idx >= 0 && idx < len(groups) {
					out = append(out, groups[idx]...)
					i += 1 + j
					continue
				}
			}
		}
		out = append(out, tmpl[i])
	}
	return string(out)
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func orDurationMS(v *int, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Millisecond
}
