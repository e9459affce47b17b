package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"relaygate/pkg/types"
)

// BuildFingerprint returns the cache key for a generation request.
//
// The request is encoded exactly as Python's
// json.dumps({"t": text, "m": max_tokens, "temp": temperature}, sort_keys=True)
// writes it, hashed with SHA-256 and hex encoded, so Python producers and this
// gateway share cache entries. Identical normalized requests always collide;
// -0 and 0 temperatures are the same key. Non-finite temperatures and invalid
// UTF-8 text are rejected.
func BuildFingerprint(req types.GenerateRequest) (string, error) {
	if !utf8.ValidString(req.Text) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", types.ErrInvalidRequest)
	}
	temp := req.Temperature
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return "", fmt.Errorf("%w: temperature %v cannot be fingerprinted", types.ErrInvalidRequest, temp)
	}
	if temp == 0 {
		temp = 0 // folds -0
	}

	sum := sha256.Sum256([]byte(canonicalPayload(req.Text, req.MaxTokens, temp)))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalPayload writes the sorted-key object with ", " and ": "
// separators.
func canonicalPayload(text string, maxTokens int, temp float64) string {
	var b strings.Builder
	b.WriteString(`{"m": `)
	b.WriteString(strconv.Itoa(maxTokens))
	b.WriteString(`, "t": `)
	writeASCIIString(&b, text)
	b.WriteString(`, "temp": `)
	b.WriteString(pyFloat(temp))
	b.WriteByte('}')
	return b.String()
}

// writeASCIIString quotes s with every byte outside printable ASCII escaped;
// characters beyond the BMP become UTF-16 surrogate pairs.
func writeASCIIString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}

// pyFloat formats f like Python's repr: shortest round-trip digits, fixed
// notation for exponents in [-4, 16) with a trailing ".0" when integral,
// scientific with a two-digit exponent otherwise.
func pyFloat(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil || exp < -4 || exp >= 16 {
		return sci
	}
	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(fixed, '.') {
		fixed += ".0"
	}
	return fixed
}
