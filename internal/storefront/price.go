package storefront

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParsePrice reads a displayed price such as "€ 1.299,00", "1,299.99" or "399,-"
func ParsePrice(text string) (float64, error) {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsDigit(r) || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return 0, fmt.Errorf("no price in %q", text)
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// the later separator is the decimal one
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = decimalOrGrouping(s, ",")
	case lastDot >= 0:
		s = decimalOrGrouping(s, ".")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("no price in %q: %w", text, err)
	}
	return v, nil
}

// decimalOrGrouping treats a lone separator followed by exactly three digits as grouping
func decimalOrGrouping(s, sep string) string {
	parts := strings.Split(s, sep)
	if len(parts) == 2 && len(parts[1]) != 3 {
		return parts[0] + "." + parts[1]
	}
	return strings.Join(parts, "")
}
