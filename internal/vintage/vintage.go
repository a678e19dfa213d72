// Package vintage parses the catalog's raw vintage field into concrete
// years. Upstream the field is free-form: an integer, a digit string, or a
// hyphenated range like "2017-2021". Malformed values are common and must
// not abort a listing, so parsing never fails; it returns nil instead.
package vintage

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parse accepts a decoded JSON vintage value and returns the inclusive set
// of years it denotes, sorted ascending. Empty, non-numeric, or malformed
// input yields nil.
func Parse(raw any) []int {
	switch v := raw.(type) {
	case nil:
		return nil
	case float64:
		return ParseString(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		return ParseString(strconv.Itoa(v))
	case json.Number:
		return ParseString(v.String())
	case string:
		return ParseString(v)
	default:
		return nil
	}
}

// ParseString parses a vintage string. A range splits on the first hyphen
// only; anything with more than two segments is malformed.
func ParseString(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if !strings.Contains(raw, "-") {
		year, ok := parseYear(raw)
		if !ok {
			return nil
		}
		return []int{year}
	}

	parts := strings.SplitN(raw, "-", 2)
	if strings.Contains(parts[1], "-") {
		return nil
	}
	start, ok := parseYear(parts[0])
	if !ok {
		return nil
	}
	end, ok := parseYear(parts[1])
	if !ok {
		return nil
	}
	return yearsBetween(start, end)
}

func parseYear(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" || !isDigits(value) {
		return 0, false
	}
	year, err := strconv.Atoi(value)
	if err != nil || year <= 0 {
		return 0, false
	}
	return year, true
}

func yearsBetween(start, end int) []int {
	if end < start {
		return nil
	}
	years := make([]int, 0, end-start+1)
	for year := start; year <= end; year++ {
		years = append(years, year)
	}
	return years
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
