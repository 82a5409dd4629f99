package subject

import (
	"strings"

	"github.com/agentfleet/relay/errors"
)

// Pattern is a subscription pattern: a subject in which any segment may be
// the single-segment wildcard "*" and the final segment may be the
// multi-segment wildcard ">".
type Pattern struct {
	tokens []string
}

// ParsePattern parses and validates a pattern string.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, errors.ParseSubject("empty pattern")
	}
	parts := strings.Split(s, Delimiter)
	for i, p := range parts {
		switch p {
		case WildcardOne:
			// valid anywhere
		case WildcardTail:
			if i != len(parts)-1 {
				return Pattern{}, errors.ParseSubject("'>' only valid as the final segment: " + s)
			}
		default:
			if _, err := NewSegment(p); err != nil {
				return Pattern{}, errors.ParseSubject("invalid pattern: "+s, errors.WithCause(err))
			}
		}
	}
	tokens := make([]string, len(parts))
	copy(tokens, parts)
	return Pattern{tokens: tokens}, nil
}

// PatternOf lifts a concrete subject into a pattern with no wildcards.
func PatternOf(s Subject) Pattern {
	tokens := make([]string, s.Len())
	for i, seg := range s.Segments() {
		tokens[i] = string(seg)
	}
	return Pattern{tokens: tokens}
}

// String renders the wire form.
func (p Pattern) String() string {
	return strings.Join(p.tokens, Delimiter)
}

// IsZero reports whether p is the (invalid) zero value.
func (p Pattern) IsZero() bool {
	return len(p.tokens) == 0
}

// Matches reports whether the concrete subject matches this pattern under
// broker rules: "*" consumes exactly one segment, a trailing ">" consumes
// one or more remaining segments.
func (p Pattern) Matches(s Subject) bool {
	return MatchTokens(p.tokens, s.String())
}

// MatchesString matches against a raw subject string. Malformed subjects
// never match.
func (p Pattern) MatchesString(subject string) bool {
	return MatchTokens(p.tokens, subject)
}

// MatchTokens implements the broker's wildcard matching over a tokenized
// pattern and a raw subject string. Exported for the in-memory bus.
func MatchTokens(pattern []string, subject string) bool {
	if subject == "" || len(pattern) == 0 {
		return false
	}
	segs := strings.Split(subject, Delimiter)

	for i, tok := range pattern {
		if tok == WildcardTail {
			// ">" needs at least one remaining segment.
			return len(segs) > i
		}
		if i >= len(segs) {
			return false
		}
		if tok != WildcardOne && tok != segs[i] {
			return false
		}
	}
	return len(segs) == len(pattern)
}

// MatchStrings matches a raw pattern string against a raw subject string.
func MatchStrings(pattern, subject string) bool {
	if pattern == "" {
		return false
	}
	return MatchTokens(strings.Split(pattern, Delimiter), subject)
}
