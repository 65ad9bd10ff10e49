// Package format encodes and decodes medicine label codes.
//
// A code is laid out positionally:
//
//	YY MM S T III P [-K] ####
//	25 07 1 F 111 B      0001   -> 25071F111B0001
//	25 07 1 F 111 B -K   0001   -> 25071F111B-K0001
//
// YY/MM is the allocation period, S the funding source digit, T the medicine type letter,
// III the active ingredient digits, P the producer letter, K the package type letter of
// bulk codes and #### the sequence token. Everything here is pure and safe for concurrent use.
package format

import (
	"fmt"
	"strings"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
)

// Code lengths
const (
	IndividualLength = 14
	BulkLength       = 16
)

const bulkSeparator = '-'

// Components are the fields a code string is a pure function of.
type Components struct {
	Year          int                      `json:"year"`
	Month         int                      `json:"month"`
	Key           domain.ClassificationKey `json:"key"`
	SequenceValue int                      `json:"sequence_value"`
	SequenceType  domain.SequenceType      `json:"sequence_type"`
	IsBulk        bool                     `json:"is_bulk"`
}

// ValidationResult reports every positional problem found in a candidate code.
type ValidationResult struct {
	Code       string      `json:"code"`
	IsValid    bool        `json:"is_valid"`
	Components *Components `json:"components,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
}

// Encode renders components into a code string.
func Encode(c Components) (string, error) {
	if c.Year < 0 || c.Year > 99 {
		return "", fmt.Errorf("year %d must be two digits", c.Year)
	}
	if c.Month < 1 || c.Month > 12 {
		return "", fmt.Errorf("month %d out of range 1..12", c.Month)
	}
	if err := ValidateKey(c.Key, c.IsBulk); err != nil {
		return "", err
	}

	token, err := Render(c.SequenceValue, c.SequenceType)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(BulkLength)
	fmt.Fprintf(&b, "%02d%02d", c.Year, c.Month)
	b.WriteString(c.Key.FundingSource)
	b.WriteString(c.Key.MedicineType)
	b.WriteString(c.Key.ActiveIngredient)
	b.WriteString(c.Key.Producer)
	if c.IsBulk {
		b.WriteByte(bulkSeparator)
		b.WriteString(c.Key.PackageType)
	}
	b.WriteString(token)

	return b.String(), nil
}

// Decode parses a code string back into its components.
func Decode(code string) (Components, error) {
	c, problems := inspect(code)
	if len(problems) > 0 {
		return Components{}, errors.MalformedCode(code, problems[0])
	}
	return c, nil
}

// Validate checks a candidate code and collects every problem instead of stopping at the first.
func Validate(code string) ValidationResult {
	c, problems := inspect(code)
	result := ValidationResult{Code: code, IsValid: len(problems) == 0, Errors: problems}
	if result.IsValid {
		result.Components = &c
	}
	return result
}

// ValidateKey checks the character classes of a classification key. bulk states whether a
// package type is required (bulk) or forbidden (individual).
func ValidateKey(k domain.ClassificationKey, bulk bool) error {
	var problems []string
	problems = appendKeyProblems(problems, k)

	switch {
	case bulk && k.PackageType == "":
		problems = append(problems, "bulk codes require a package type")
	case bulk && (len(k.PackageType) != 1 || !isUpper(k.PackageType[0])):
		problems = append(problems, "package type must be one uppercase letter")
	case !bulk && k.PackageType != "":
		problems = append(problems, "individual codes carry no package type")
	}

	if len(problems) > 0 {
		return errors.Validation(map[string]string{"classification": strings.Join(problems, "; ")})
	}
	return nil
}

// ParseKey parses a classification segment such as "1F111B" or "1F111B-K".
func ParseKey(s string) (domain.ClassificationKey, error) {
	var k domain.ClassificationKey
	switch {
	case len(s) == 6:
	case len(s) == 8 && s[6] == bulkSeparator:
		k.PackageType = s[7:]
	default:
		return k, errors.Validation(map[string]string{"classification": "must look like 1F111B or 1F111B-K"})
	}
	k.FundingSource = s[0:1]
	k.MedicineType = s[1:2]
	k.ActiveIngredient = s[2:5]
	k.Producer = s[5:6]

	if err := ValidateKey(k, k.IsBulk()); err != nil {
		return domain.ClassificationKey{}, err
	}
	return k, nil
}

func appendKeyProblems(problems []string, k domain.ClassificationKey) []string {
	if len(k.FundingSource) != 1 || !isDigit(k.FundingSource[0]) {
		problems = append(problems, "funding source must be one digit")
	}
	if len(k.MedicineType) != 1 {
		problems = append(problems, "medicine type must be one letter")
	} else if _, ok := domain.MedicineTypes[k.MedicineType[0]]; !ok {
		problems = append(problems, fmt.Sprintf("unknown medicine type %q", k.MedicineType))
	}
	if len(k.ActiveIngredient) != 3 || !allDigits(k.ActiveIngredient) {
		problems = append(problems, "active ingredient must be three digits")
	}
	if len(k.Producer) != 1 || !isUpper(k.Producer[0]) {
		problems = append(problems, "producer must be one uppercase letter")
	}
	return problems
}

func inspect(code string) (Components, []string) {
	var c Components
	var problems []string

	switch len(code) {
	case IndividualLength:
	case BulkLength:
		c.IsBulk = true
	default:
		return c, []string{fmt.Sprintf("length %d, want %d (individual) or %d (bulk)", len(code), IndividualLength, BulkLength)}
	}

	if allDigits(code[0:2]) {
		c.Year = atoi(code[0:2])
	} else {
		problems = append(problems, "year (positions 1-2) must be digits")
	}
	if allDigits(code[2:4]) {
		c.Month = atoi(code[2:4])
		if c.Month < 1 || c.Month > 12 {
			problems = append(problems, fmt.Sprintf("month %02d out of range 01..12", c.Month))
		}
	} else {
		problems = append(problems, "month (positions 3-4) must be digits")
	}

	c.Key = domain.ClassificationKey{
		FundingSource:    code[4:5],
		MedicineType:     code[5:6],
		ActiveIngredient: code[6:9],
		Producer:         code[9:10],
	}
	problems = appendKeyProblems(problems, c.Key)

	tokenStart := IndividualLength - TokenLength
	if c.IsBulk {
		tokenStart = BulkLength - TokenLength
		if code[10] != bulkSeparator {
			problems = append(problems, "position 11 must be '-' in a bulk code")
		}
		if isUpper(code[11]) {
			c.Key.PackageType = code[11:12]
		} else {
			problems = append(problems, "package type (position 12) must be an uppercase letter")
		}
	}

	value, seqType, err := ParseToken(code[tokenStart:])
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) && appErr.Details["reason"] != "" {
			problems = append(problems, appErr.Details["reason"])
		} else {
			problems = append(problems, err.Error())
		}
	} else {
		c.SequenceValue = value
		c.SequenceType = seqType
	}

	return c, problems
}
