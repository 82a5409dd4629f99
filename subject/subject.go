// Package subject implements the typed subject algebra for bus addressing.
//
// A Subject is a non-empty sequence of validated segments joined by ".".
// Concatenation is associative and the empty subject is invalid, so subjects
// form a free monoid without an identity element. A Pattern is a subject in
// which segments may be the single-segment wildcard "*" and whose final
// segment may be the multi-segment wildcard ">".
//
// All subjects on the wire are built through Factory. Raw subject strings
// assembled elsewhere are a bug.
package subject

import (
	"strings"

	"github.com/agentfleet/relay/errors"
)

// Delimiter joins subject segments.
const Delimiter = "."

// Wildcard tokens, matched by the broker.
const (
	WildcardOne  = "*" // exactly one segment
	WildcardTail = ">" // one or more trailing segments
)

// Segment is a single validated subject token.
type Segment string

// NewSegment validates and constructs a segment. Segments must be non-empty
// and free of the delimiter, wildcard tokens, and whitespace.
func NewSegment(s string) (Segment, error) {
	if s == "" {
		return "", errors.New(errors.ErrCodeInvalidSegment, "empty subject segment")
	}
	if strings.ContainsAny(s, Delimiter+WildcardOne+WildcardTail+" \t\r\n") {
		return "", errors.New(errors.ErrCodeInvalidSegment, "illegal character in subject segment: "+s)
	}
	return Segment(s), nil
}

// mustSegment is for compile-time-known literals.
func mustSegment(s string) Segment {
	seg, err := NewSegment(s)
	if err != nil {
		panic(err)
	}
	return seg
}

// String returns the segment text.
func (s Segment) String() string {
	return string(s)
}

// Subject is a validated, non-empty segment sequence.
type Subject struct {
	segments []Segment
}

// New constructs a subject from validated segments. At least one segment is
// required: the empty subject is not a member of the algebra.
func New(segments ...Segment) (Subject, error) {
	if len(segments) == 0 {
		return Subject{}, errors.ParseSubject("subject must have at least one segment")
	}
	out := make([]Segment, len(segments))
	copy(out, segments)
	return Subject{segments: out}, nil
}

// Parse parses a dotted subject string, validating every segment.
func Parse(s string) (Subject, error) {
	if s == "" {
		return Subject{}, errors.ParseSubject("empty subject")
	}
	parts := strings.Split(s, Delimiter)
	segs := make([]Segment, 0, len(parts))
	for _, p := range parts {
		seg, err := NewSegment(p)
		if err != nil {
			return Subject{}, errors.ParseSubject("invalid subject: "+s, errors.WithCause(err))
		}
		segs = append(segs, seg)
	}
	return Subject{segments: segs}, nil
}

// Append returns a new subject with seg appended. The receiver is unchanged.
// Append is the monoid concatenation: (a.Append(b)).Append(c) equals
// a.Append(b.Append... segment-wise; associativity holds by construction.
func (s Subject) Append(seg Segment) Subject {
	out := make([]Segment, len(s.segments)+1)
	copy(out, s.segments)
	out[len(s.segments)] = seg
	return Subject{segments: out}
}

// Concat returns the concatenation s ++ t.
func (s Subject) Concat(t Subject) Subject {
	out := make([]Segment, 0, len(s.segments)+len(t.segments))
	out = append(out, s.segments...)
	out = append(out, t.segments...)
	return Subject{segments: out}
}

// Segments returns a copy of the segment sequence.
func (s Subject) Segments() []Segment {
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Len returns the number of segments.
func (s Subject) Len() int {
	return len(s.segments)
}

// IsZero reports whether s is the (invalid) zero value.
func (s Subject) IsZero() bool {
	return len(s.segments) == 0
}

// String renders the wire form.
func (s Subject) String() string {
	parts := make([]string, len(s.segments))
	for i, seg := range s.segments {
		parts[i] = string(seg)
	}
	return strings.Join(parts, Delimiter)
}
