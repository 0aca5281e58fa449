package broker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Tags have exactly three dot-separated segments: name.role.instance_id.
// The first two segments are identifiers; the last is an identifier or a
// UUID. Subscription patterns use the same grammar, except the last segment
// may be the wildcard "*", which matches any instance id.

const wildcard = "*"

var segmentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

func validSegment(s string) bool {
	return segmentRE.MatchString(s)
}

func validInstanceSegment(s string) bool {
	if validSegment(s) {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateTag checks a component tag against the tag grammar.
func ValidateTag(tag string) error {
	parts := strings.Split(tag, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q must have exactly 3 segments", ErrInvalidTag, tag)
	}
	if !validSegment(parts[0]) || !validSegment(parts[1]) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if !validInstanceSegment(parts[2]) {
		return fmt.Errorf("%w: %q has malformed instance segment", ErrInvalidTag, tag)
	}
	return nil
}

// ValidatePattern checks a subscription pattern. Only the final segment may
// be the wildcard.
func ValidatePattern(pattern string) error {
	parts := strings.Split(pattern, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q must have exactly 3 segments", ErrInvalidPattern, pattern)
	}
	if !validSegment(parts[0]) || !validSegment(parts[1]) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if parts[2] != wildcard && !validInstanceSegment(parts[2]) {
		return fmt.Errorf("%w: %q has malformed instance segment", ErrInvalidPattern, pattern)
	}
	return nil
}

// MatchTag reports whether pattern matches tag. Segments match exactly,
// except a trailing wildcard segment matches any instance id.
func MatchTag(pattern, tag string) bool {
	pp := strings.Split(pattern, ".")
	tp := strings.Split(tag, ".")
	if len(pp) != 3 || len(tp) != 3 {
		return false
	}
	if pp[0] != tp[0] || pp[1] != tp[1] {
		return false
	}
	return pp[2] == wildcard || pp[2] == tp[2]
}

// patternComponent returns the component name a pattern routes to (its
// first segment). Used to hold subscriptions pending until that component
// registers.
func patternComponent(pattern string) string {
	if i := strings.IndexByte(pattern, '.'); i > 0 {
		return pattern[:i]
	}
	return pattern
}
