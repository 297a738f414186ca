package profile

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// VIPMatcher matches log lines against a user-maintained watch list.
// The list is one configuration string with entries split on commas and
// newlines; each entry compiles to a case-insensitive regex. Invalid
// entries are dropped, not fatal.
type VIPMatcher struct {
	patterns []vipPattern
	invalid  int
}

type vipPattern struct {
	raw string
	re  *regexp.Regexp
}

// NewVIPMatcher compiles the watch list.
func NewVIPMatcher(list string) *VIPMatcher {
	m := &VIPMatcher{}
	for _, entry := range splitList(list) {
		re, err := regexp.Compile("(?i)" + entry)
		if err != nil {
			log.Warn().Str("entry", entry).Err(err).Msg("invalid vip pattern ignored")
			m.invalid++
			continue
		}
		m.patterns = append(m.patterns, vipPattern{raw: entry, re: re})
	}
	return m
}

// MatchLine reports the first watched name found in the line.
func (m *VIPMatcher) MatchLine(line string) (string, bool) {
	for _, p := range m.patterns {
		if loc := p.re.FindString(line); loc != "" {
			return loc, true
		}
	}
	return "", false
}

// PatternCount returns the number of active patterns.
func (m *VIPMatcher) PatternCount() int { return len(m.patterns) }

// InvalidCount returns how many entries failed to compile; surfaced so
// the user can see a broken watch list instead of silent misses.
func (m *VIPMatcher) InvalidCount() int { return m.invalid }

func splitList(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
