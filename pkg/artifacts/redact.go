package artifacts

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one redaction pattern. Replacement defaults to masking the whole
// match.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement,omitempty"`

	re *regexp.Regexp
}

const defaultMask = "[REDACTED]"

// DefaultRules is the canonical pattern set: provider API keys, bearer
// headers, emails, phone numbers, SSNs, credit cards.
func DefaultRules() []Rule {
	rules := []Rule{
		{Name: "api_key", Pattern: `(?i)\b(?:sk|pk|rk|key|token)[-_][A-Za-z0-9_-]{16,}\b`},
		{Name: "bearer", Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`},
		{Name: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
		{Name: "phone", Pattern: `\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`},
		{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		{Name: "credit_card", Pattern: `\b(?:\d[ -]?){13,16}\b`},
	}
	for i := range rules {
		rules[i].re = regexp.MustCompile(rules[i].Pattern)
	}
	return rules
}

// LoadRules reads a YAML rule file. The file replaces the default set
// wholesale so deployments control exactly what is masked.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("artifacts: parse rules: %w", err)
	}
	for i := range doc.Rules {
		re, err := regexp.Compile(doc.Rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("artifacts: rule %q: %w", doc.Rules[i].Name, err)
		}
		doc.Rules[i].re = re
	}
	return doc.Rules, nil
}

// redact applies every rule and returns the masked text plus the names of
// the rules that fired.
func redact(rules []Rule, text string) (string, []string) {
	var applied []string
	for _, rule := range rules {
		if !rule.re.MatchString(text) {
			continue
		}
		mask := rule.Replacement
		if mask == "" {
			mask = defaultMask
		}
		text = rule.re.ReplaceAllString(text, mask)
		applied = append(applied, rule.Name)
	}
	return text, applied
}
