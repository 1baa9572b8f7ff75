// Package addr validates and normalizes addresses, token ids and tx ids.
package addr

import (
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/cockroachdb/errors"
)

const (
	HRP      = "sp"
	HRPAlias = "spark"
)

var (
	addressRe = regexp.MustCompile(`(?i)^(sp|spark)1[0-9a-z]{20,}$`)
	tokenRe   = regexp.MustCompile(`(?i)^btkn1[0-9a-z]{10,}$`)
	hex32Re   = regexp.MustCompile(`(?i)^[0-9a-f]{32}$`)
	hex64Re   = regexp.MustCompile(`(?i)^[0-9a-f]{64}$`)
	uuidRe    = regexp.MustCompile(`(?i)^[0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)

	// AddressInText finds the first address-looking run in free text.
	AddressInText = regexp.MustCompile(`(?i)(?:sp|spark)1[0-9a-z]{20,}`)
)

func LooksLikeAddress(s string) bool {
	return addressRe.MatchString(strings.TrimSpace(s))
}

func LooksLikeTokenID(s string) bool {
	return tokenRe.MatchString(strings.TrimSpace(s))
}

func LooksLikeTxID(s string) bool {
	t := strings.TrimSpace(s)
	return hex32Re.MatchString(t) || hex64Re.MatchString(t) || uuidRe.MatchString(t)
}

// Reencode swaps the human-readable part of a bech32 or bech32m string and
// keeps the payload and the checksum flavour.
func Reencode(s, hrp string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	old, data, err := bech32.DecodeNoLimit(lower)
	if err != nil {
		return "", errors.Wrap(err, "decode address")
	}
	if again, err := bech32.Encode(old, data); err == nil && again == lower {
		return bech32.Encode(hrp, data)
	}
	return bech32.EncodeM(hrp, data)
}

// Canonical returns the lower-case sp1 form of an address. Input that is
// not an address comes back trimmed and lower-cased.
func Canonical(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	if !addressRe.MatchString(t) || strings.HasPrefix(t, HRP+"1") {
		return t
	}
	c, err := Reencode(t, HRP)
	if err != nil {
		return t
	}
	return c
}

// IsCanonical reports whether s is already an sp1 address.
func IsCanonical(s string) bool {
	return LooksLikeAddress(s) && strings.HasPrefix(s, HRP+"1")
}

// Variants lists the spellings an address may appear under, canonical first.
func Variants(s string) []string {
	c := Canonical(s)
	out := []string{c}
	if !addressRe.MatchString(c) {
		return out
	}
	if alias, err := Reencode(c, HRPAlias); err == nil && alias != c {
		out = append(out, alias)
	}
	return out
}

// Equal compares two addresses regardless of prefix and case.
func Equal(a, b string) bool {
	return a != "" && Canonical(a) == Canonical(b)
}

// Hyphenate turns a 32-hex tx id into the dashed UUID form. Anything else is
// returned trimmed.
func Hyphenate(tx string) string {
	t := strings.TrimSpace(tx)
	if !hex32Re.MatchString(t) {
		return t
	}
	return t[:8] + "-" + t[8:12] + "-" + t[12:16] + "-" + t[16:20] + "-" + t[20:]
}

// TxCandidates lists the spellings to try when looking tx up remotely.
func TxCandidates(tx string) []string {
	t := strings.TrimSpace(tx)
	h := Hyphenate(t)
	if h == t {
		return []string{t}
	}
	return []string{h, t}
}
