// Package subject defines the NATS subject topology for the newswire
// pipeline and a structured, round-trippable Subject value.
//
// Subjects follow the grammar "<domain>.<category>.<source>" where domain
// names the pipeline stage (news for accepted items, scored for enriched
// items). Keeping subjects as values rather than bare strings means the
// routing topology can grow new sources without consumers changing their
// wildcard subscriptions.
package subject

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/coinpulse/newswire/errors"
)

// Stage domains for the pipeline topology.
const (
	DomainNews   = "news"   // accepted items awaiting scoring
	DomainScored = "scored" // enriched items awaiting persistence
)

// DeadLetter is the subject for items that permanently failed scoring.
// It sits outside the news/scored tree so replay tooling can subscribe
// to it without receiving live traffic.
const DeadLetter = "deadletter.scoring"

// Wildcard tokens per NATS subject grammar.
const (
	WildcardOne  = "*" // matches exactly one segment
	WildcardTail = ">" // matches one or more trailing segments
)

// Subject is an ordered tuple of topology segments. The same metadata
// always renders to the same subject, and Parse(Render(s)) == s for all
// valid s.
type Subject struct {
	Domain   string
	Category string
	Source   string
}

// Metadata is the slice of item metadata that routing depends on.
type Metadata struct {
	Category string
	Source   string
}

// Build constructs the accepted-item subject for the given metadata.
// It fails with ErrMalformedItem when a required segment is empty after
// sanitization.
func Build(meta Metadata) (Subject, error) {
	return build(DomainNews, meta)
}

// BuildScored constructs the enriched-item subject for the given metadata.
func BuildScored(meta Metadata) (Subject, error) {
	return build(DomainScored, meta)
}

func build(domain string, meta Metadata) (Subject, error) {
	category := Sanitize(meta.Category)
	source := Sanitize(meta.Source)
	if category == "" {
		return Subject{}, errors.WrapInvalid(errors.ErrMalformedItem,
			"Subject", "Build", "empty category segment")
	}
	if source == "" {
		return Subject{}, errors.WrapInvalid(errors.ErrMalformedItem,
			"Subject", "Build", "empty source segment")
	}
	return Subject{Domain: domain, Category: category, Source: source}, nil
}

// Render returns the dotted string form of the subject.
func (s Subject) Render() string {
	return fmt.Sprintf("%s.%s.%s", s.Domain, s.Category, s.Source)
}

// String returns the same as Render.
func (s Subject) String() string {
	return s.Render()
}

// IsValid checks that every segment is populated and token-safe.
func (s Subject) IsValid() bool {
	for _, seg := range []string{s.Domain, s.Category, s.Source} {
		if seg == "" || seg != Sanitize(seg) {
			return false
		}
	}
	return true
}

// Scored returns the enriched-item counterpart of an accepted-item
// subject, preserving category and source.
func (s Subject) Scored() Subject {
	return Subject{Domain: DomainScored, Category: s.Category, Source: s.Source}
}

// Parse parses a rendered subject string back into a Subject.
// Wildcard tokens are rejected; patterns are matched with Matches, not
// parsed into values.
func Parse(raw string) (Subject, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Subject{}, errors.WrapInvalid(
			fmt.Errorf("expected 3 segments, got %d", len(parts)),
			"Subject", "Parse", "segment count")
	}
	for i, part := range parts {
		if part == "" {
			return Subject{}, errors.WrapInvalid(
				fmt.Errorf("segment %d is empty", i+1),
				"Subject", "Parse", "segment check")
		}
		if part == WildcardOne || part == WildcardTail {
			return Subject{}, errors.WrapInvalid(
				fmt.Errorf("segment %d is a wildcard", i+1),
				"Subject", "Parse", "segment check")
		}
	}
	return Subject{Domain: parts[0], Category: parts[1], Source: parts[2]}, nil
}

// Matches reports whether a subscription pattern matches a concrete
// subject, following NATS semantics: "*" matches exactly one segment,
// ">" matches one or more trailing segments.
func Matches(pattern, subj string) bool {
	if pattern == subj {
		return true
	}

	patParts := strings.Split(pattern, ".")
	subjParts := strings.Split(subj, ".")

	for i, pat := range patParts {
		if pat == WildcardTail {
			// ">" must be the last pattern token and needs at least one
			// subject segment left to consume.
			return i == len(patParts)-1 && i < len(subjParts)
		}
		if i >= len(subjParts) {
			return false
		}
		if pat != WildcardOne && pat != subjParts[i] {
			return false
		}
	}

	return len(patParts) == len(subjParts)
}

// NewsPattern returns the subscription pattern covering every accepted
// item regardless of category and source.
func NewsPattern() string {
	return DomainNews + "." + WildcardTail
}

// ScoredPattern returns the subscription pattern covering every enriched
// item.
func ScoredPattern() string {
	return DomainScored + "." + WildcardTail
}

// CategoryPattern returns the pattern for one category across all
// sources, e.g. "news.market.*".
func CategoryPattern(domain, category string) string {
	return fmt.Sprintf("%s.%s.%s", domain, Sanitize(category), WildcardOne)
}

// Sanitize folds a metadata value into a token-safe subject segment:
// lowercase, whitespace and separators collapsed to single hyphens, and
// anything outside [a-z0-9_-] dropped. Returns "" when nothing survives.
func Sanitize(raw string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		case unicode.IsSpace(r), r == '.', r == '/', r == ',', r == '-':
			if !lastHyphen && b.Len() > 0 {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
