package contracts

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9-]+`)
	multiHyphen     = regexp.MustCompile(`-{2,}`)
)

// stopwords are dropped from a contract name before it becomes part of a
// generated slug, the same filter a title-to-slug generator applies to
// keep identifiers short and stable across trivial renames.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "was": true, "will": true, "with": true,
}

// typeSlug strips the version suffix from a <slug>@<version> type
// reference, returning just the slug.
func typeSlug(typeRef string) string {
	slug, _, _ := strings.Cut(typeRef, "@")
	return slug
}

// GenerateSlug produces the default slug for a freshly inserted contract:
// <type>-<name-with-stopwords-removed-lowercased-hyphenated>-<7-hex> when
// name is non-empty, else <type>-<uuid> (spec §4.3 Insert).
func GenerateSlug(typeRef, name string) string {
	typ := typeSlug(typeRef)
	if strings.TrimSpace(name) == "" {
		return typ + "-" + uuid.NewString()
	}
	return typ + "-" + slugifyName(name) + "-" + randHex(7)
}

func slugifyName(name string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn))
	result, _, _ := transform.String(t, name)
	result = strings.ToLower(result)

	words := strings.Fields(result)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if stopwords[w] {
			continue
		}
		kept = append(kept, w)
	}
	result = strings.Join(kept, " ")

	result = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '-'
	}, result)

	result = nonAlphanumeric.ReplaceAllString(result, "-")
	result = multiHyphen.ReplaceAllString(result, "-")
	result = strings.Trim(result, "-")
	if result == "" {
		result = "untitled"
	}
	return result
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

func randHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a process-level fault; uuid.NewString
		// in GenerateSlug already depends on the same entropy source, so surface
		// the same degraded behavior rather than panicking.
		return strings.Repeat("0", n)
	}
	return hex.EncodeToString(buf)[:n]
}
