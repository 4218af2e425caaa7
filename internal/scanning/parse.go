package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// amountPattern matches the first decimal number: digits, optional '.', optional digits.
var amountPattern = regexp.MustCompile(`\d+\.?\d*`)

// CleanAmountText keeps only ASCII digits and periods.
func CleanAmountText(text string) string {
	var b strings.Builder
	for _, c := range text {
		if (c >= '0' && c <= '9') || c == '.' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ParseAmount extracts the first decimal number from OCR text. Everything
// but digits and periods is stripped first, so "¥1,234.50" reads as 1234.5
// and "1.2.3" as 1.2. The boolean is false when no number was found.
func ParseAmount(text string) (float64, bool) {
	match := amountPattern.FindString(CleanAmountText(text))
	if match == "" {
		return 0, false
	}
	amount, err := strconv.ParseFloat(strings.TrimSuffix(match, "."), 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

// parseFragmentsJSON parses the JSON fragment list returned by the LLM engines
func parseFragmentsJSON(text string) ([]Fragment, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "[")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	endIdx := strings.LastIndex(text, "]")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON array in response")
	}

	text = text[startIdx : endIdx+1]

	var raw []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	fragments := make([]Fragment, 0, len(raw))
	for _, r := range raw {
		t := strings.TrimSpace(r.Text)
		if t == "" {
			continue
		}
		fragments = append(fragments, Fragment{Text: t, Confidence: r.Confidence})
	}
	return fragments, nil
}
