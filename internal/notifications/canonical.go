package notifications

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Token is a canonical sales-status value. Everything past the detector
// boundary works on tokens only.
type Token string

const (
	TokenActive       Token = "active"
	TokenSoldOut      Token = "sold_out"
	TokenInactive     Token = "inactive"
	TokenSuspended    Token = "suspended"
	TokenUnrecognized Token = "unrecognized"
)

// Tokens lists every canonical token.
var Tokens = []Token{TokenActive, TokenSoldOut, TokenInactive, TokenSuspended, TokenUnrecognized}

type phrase struct {
	match string
	token Token
}

// exactPhrases maps whole normalized phrases. Checked before the substring
// table so that e.g. "inactive" never matches the "active" pattern.
var exactPhrases = map[string]Token{
	"":             TokenInactive,
	"-":            TokenInactive,
	"記載なし":         TokenInactive,
	"none":         TokenInactive,
	"inactive":     TokenInactive,
	"active":       TokenActive,
	"sold_out":     TokenSoldOut,
	"suspended":    TokenSuspended,
	"unrecognized": TokenUnrecognized,
	"対象":           TokenActive,
	"pp対象":         TokenActive,
}

// dpaPhrases and ppPhrases are ordered: the first substring hit wins, so
// negative phrasings come before the positive ones they contain.
var dpaPhrases = []phrase{
	{"販売終了", TokenSoldOut},
	{"完売", TokenSoldOut},
	{"在庫なし", TokenSoldOut},
	{"sold out", TokenSoldOut},
	{"soldout", TokenSoldOut},
	{"no stock", TokenSoldOut},
	{"out of stock", TokenSoldOut},
	{"discontinued", TokenSoldOut},
	{"販売なし", TokenInactive},
	{"販売を行わない", TokenInactive},
	{"not offered", TokenInactive},
	{"not available", TokenInactive},
	{"unavailable", TokenInactive},
	{"販売休止", TokenSuspended},
	{"一時休止", TokenSuspended},
	{"suspended", TokenSuspended},
	{"paused", TokenSuspended},
	{"要確認", TokenUnrecognized},
	{"販売中", TokenActive},
	{"on sale", TokenActive},
	{"selling", TokenActive},
	{"available", TokenActive},
}

var ppPhrases = []phrase{
	{"発行終了", TokenSoldOut},
	{"配布終了", TokenSoldOut},
	{"sold out", TokenSoldOut},
	{"no stock", TokenSoldOut},
	{"discontinued", TokenSoldOut},
	{"発行なし", TokenInactive},
	{"not issued", TokenInactive},
	{"not available", TokenInactive},
	{"発行休止", TokenSuspended},
	{"suspended", TokenSuspended},
	{"paused", TokenSuspended},
	{"要確認", TokenUnrecognized},
	{"発行中", TokenActive},
	{"対象", TokenActive},
	{"issuing", TokenActive},
	{"available", TokenActive},
}

// CanonicalDPA folds a raw Disney Premier Access status into a token.
func CanonicalDPA(raw string) Token {
	return canonicalize(raw, dpaPhrases)
}

// CanonicalPP folds a raw Priority Pass status into a token.
func CanonicalPP(raw string) Token {
	return canonicalize(raw, ppPhrases)
}

func canonicalize(raw string, table []phrase) Token {
	s := normalizePhrase(raw)
	if t, ok := exactPhrases[s]; ok {
		return t
	}
	for _, p := range table {
		if strings.Contains(s, p.match) {
			return p.token
		}
	}
	return TokenUnrecognized
}

// normalizePhrase applies NFKC (full-width → ASCII), lower-cases, and
// collapses whitespace.
func normalizePhrase(raw string) string {
	s := norm.NFKC.String(raw)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
