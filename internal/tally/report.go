package tally

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Total sums the record amounts
func Total(records []ScanRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.Amount
	}
	return total
}

// Aggregate renders the report: a timestamped header, one "name: amount"
// line per record in order, and a final "Total: x" line.
func Aggregate(records []ScanRecord, now time.Time) string {
	lines := make([]string, 0, len(records)+2)
	lines = append(lines, fmt.Sprintf("Scan results (%s):", now.Format("2006-01-02 15:04:05")))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s: %s", r.Target.Name, FormatAmount(r.Amount)))
	}
	lines = append(lines, "Total: "+FormatAmount(Total(records)))
	return strings.Join(lines, "\n")
}

// FormatAmount prints the shortest representation that round-trips,
// always keeping a fractional part: 10 -> "10.0", 12.5 -> "12.5".
func FormatAmount(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// FailureMessage is the text sent when a run could not complete
func FailureMessage(err error) string {
	return fmt.Sprintf("Automation failed: %v", err)
}
