package dec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/unicode/norm"
)

// Zero returns a fresh zero decimal.
func Zero() *apd.Decimal {
	return new(apd.Decimal)
}

// Parse converts a raw cell value into an exact decimal.
//
// Accepted inputs:
//   - nil: returns zero (the explicit empty-cell case)
//   - integers and floats: converted through their shortest exact textual
//     representation, never through binary reinterpretation
//   - strings: normalized and parsed, tolerating the decimal-comma and
//     thousands-separator convention of the source spreadsheets
//   - *apd.Decimal: copied
//
// A malformed string or an unsupported type yields a *ConversionError.
// An empty string (after trimming) returns zero, matching the empty-cell
// case; anything else that fails to parse is an error, never a silent zero.
func Parse(value any) (*apd.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return Zero(), nil
	case *apd.Decimal:
		if v == nil {
			return Zero(), nil
		}
		return new(apd.Decimal).Set(v), nil
	case string:
		return parseString(v)
	case int:
		return new(apd.Decimal).SetInt64(int64(v)), nil
	case int32:
		return new(apd.Decimal).SetInt64(int64(v)), nil
	case int64:
		return new(apd.Decimal).SetInt64(v), nil
	case float32:
		return parseNumeric(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		return parseNumeric(strconv.FormatFloat(v, 'g', -1, 64))
	default:
		return nil, &ConversionError{Raw: fmt.Sprintf("%v", value), Err: fmt.Errorf("unsupported type %T", value)}
	}
}

// MustParse is Parse for trusted literals; it panics on error.
// Intended for constants and tests, never for external input.
func MustParse(value any) *apd.Decimal {
	d, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return d
}

// parseString normalizes and parses a spreadsheet-sourced string.
//
// Normalization: NFKC (folds non-breaking spaces that Excel exports emit as
// thousands separators), whitespace removal, then locale handling - when a
// decimal comma is present, dots are thousands separators and are dropped.
func parseString(s string) (*apd.Decimal, error) {
	cleaned := norm.NFKC.String(s)
	cleaned = strings.Join(strings.Fields(cleaned), "")
	if cleaned == "" {
		return Zero(), nil
	}

	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	d, _, err := apd.NewFromString(cleaned)
	if err != nil {
		return nil, &ConversionError{Raw: s, Err: err}
	}
	return d, nil
}

// parseNumeric parses the exact textual form of a native number.
func parseNumeric(s string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, &ConversionError{Raw: s, Err: err}
	}
	return d, nil
}
