package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Fingerprint computes the stable content hash for an item from its
// normalized title, link, and description. Identical content from any
// source always yields the same fingerprint; whitespace and trivial URL
// encoding differences do not change it. Pure function, no side effects.
func Fingerprint(title, link, description string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(title)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeLink(link)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(description)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText collapses all runs of Unicode whitespace to single
// spaces and trims the ends. Case is preserved: "BTC" and "btc" are
// different content.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLink lowercases the scheme and host of a URL and strips any
// trailing slash from the path. Unparseable links are whitespace-trimmed
// and used as-is.
func normalizeLink(link string) string {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" {
		return link
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
