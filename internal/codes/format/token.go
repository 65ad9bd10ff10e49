package format

import (
	"fmt"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
)

// TokenLength is the width of the rendered sequence value.
const TokenLength = 4

const (
	maxNumeric     = 9999
	maxAlphaSuffix = 26 * 1000
	maxAlphaPrefix = 26 * 999
)

// MaxValue returns the largest ordinal a scheme can render, or 0 for an unknown scheme.
func MaxValue(t domain.SequenceType) int {
	switch t {
	case domain.SequenceNumeric:
		return maxNumeric
	case domain.SequenceAlphaSuffix:
		return maxAlphaSuffix
	case domain.SequenceAlphaPrefix:
		return maxAlphaPrefix
	}
	return 0
}

// Next returns the successor of value in the scheme's order. The second result is false
// when value is already the scheme's maximum.
func Next(value int, t domain.SequenceType) (int, bool) {
	next := value + 1
	if next < 1 || next > MaxValue(t) {
		return 0, false
	}
	return next, true
}

// Render renders a 1-based ordinal as a 4-character token.
//
//	NUMERIC       0001 .. 9999
//	ALPHA_SUFFIX  000A .. 999A, 000B .. 999Z
//	ALPHA_PREFIX  A001 .. A999, B001 .. Z999
func Render(value int, t domain.SequenceType) (string, error) {
	limit := MaxValue(t)
	if limit == 0 {
		return "", fmt.Errorf("unknown sequence type %q", t)
	}
	if value < 1 || value > limit {
		return "", fmt.Errorf("sequence value %d out of range 1..%d for %s", value, limit, t)
	}

	i := value - 1
	switch t {
	case domain.SequenceAlphaSuffix:
		return fmt.Sprintf("%03d%c", i%1000, 'A'+i/1000), nil
	case domain.SequenceAlphaPrefix:
		return fmt.Sprintf("%c%03d", 'A'+i/999, i%999+1), nil
	default:
		return fmt.Sprintf("%04d", value), nil
	}
}

// ParseToken recovers the ordinal and scheme from a token. The three token shapes are
// disjoint so the scheme never needs to be supplied.
func ParseToken(token string) (int, domain.SequenceType, error) {
	if len(token) != TokenLength {
		return 0, "", errors.MalformedCode(token, fmt.Sprintf("sequence token must be %d characters", TokenLength))
	}

	switch {
	case allDigits(token):
		v := atoi(token)
		if v == 0 {
			return 0, "", errors.MalformedCode(token, "sequence 0000 is never issued")
		}
		return v, domain.SequenceNumeric, nil

	case allDigits(token[:3]) && isUpper(token[3]):
		return int(token[3]-'A')*1000 + atoi(token[:3]) + 1, domain.SequenceAlphaSuffix, nil

	case isUpper(token[0]) && allDigits(token[1:]):
		d := atoi(token[1:])
		if d == 0 {
			return 0, "", errors.MalformedCode(token, "alpha-prefix digits 000 are never issued")
		}
		return int(token[0]-'A')*999 + d, domain.SequenceAlphaPrefix, nil
	}

	return 0, "", errors.MalformedCode(token, "sequence token does not match any scheme")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}

// atoi assumes s has already been checked with allDigits.
func atoi(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
