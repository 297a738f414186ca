package pattern

import (
	"regexp"
	"strings"
)

// Rule is one compiled, named extraction pattern.
type Rule struct {
	Name string
	Re   *regexp.Regexp
}

// RuleSet is the compiled pattern configuration the engine runs. Rules
// are tested in order: sheet-bound rules first, then the rest, first
// match wins.
type RuleSet struct {
	SheetRules []Rule
	OtherRules []Rule

	// Messages maps rule name to its content template ({group} syntax).
	Messages map[string]string

	// Discord maps rule name to a Discord-specific template; presence in
	// the map gates the Discord sink.
	Discord map[string]string

	// SheetsMapping maps rule name to the target sheet for the dispatch
	// pipeline.
	SheetsMapping map[string]string

	// Realtime holds rule names shared with peers.
	Realtime map[string]bool

	// Scraping holds rule names that trigger profile enrichment.
	Scraping map[string]bool

	// Colors maps a color name to the rule names rendered with it.
	Colors map[string][]string
}

// ColorFor returns the display color configured for a rule, or "".
func (rs *RuleSet) ColorFor(ruleName string) string {
	for color, names := range rs.Colors {
		for _, n := range names {
			if n == ruleName {
				return color
			}
		}
	}
	return ""
}

var entitySuffixRe = regexp.MustCompile(`_\d{4,}$`)

// stripEntitySuffix removes the engine-generated numeric entity suffix
// (PlayerName_1234567890) from a value.
func stripEntitySuffix(v string) string {
	return entitySuffixRe.ReplaceAllString(v, "")
}

var templateFieldRe = regexp.MustCompile(`\{(\w+)\}`)

// formatTemplate substitutes {field} references with values from data.
// Unknown fields render as-is so a template typo is visible, not fatal.
func formatTemplate(tpl string, data map[string]any) string {
	return templateFieldRe.ReplaceAllStringFunc(tpl, func(tok string) string {
		field := tok[1 : len(tok)-1]
		if v, ok := data[field]; ok {
			if s, isStr := v.(string); isStr {
				return s
			}
		}
		return tok
	})
}

// titleCase turns a rule name like "player_death" into "Player Death".
func titleCase(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// extractGroups pulls named groups from a match into a data map, with the
// entity suffix stripped from every value.
func extractGroups(re *regexp.Regexp, line string) (map[string]any, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	data := make(map[string]any)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || i >= len(m) {
			continue
		}
		data[name] = stripEntitySuffix(m[i])
	}
	return data, true
}
