package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// extractor returns positional bind parameters. ok=false means a required
// field is missing and the query should fall back to retrieval.
type extractor func(text string, now time.Time) (params []interface{}, ok bool)

const monthNames = `january|february|march|april|may|june|july|august|september|october|november|december`

var (
	reOnSlashDate = regexp.MustCompile(`(?i)\bon (\d{1,2}/\d{1,2}/\d{4})`)
	reOnMonthDate = regexp.MustCompile(`(?i)\bon (` + monthNames + `) (\d{1,2}),? (\d{4})`)
	reEmployeeID  = regexp.MustCompile(`(?i)\bemployee\s+id[\s:#]+(\w+)`)
	reEmployee    = regexp.MustCompile(`(?i)\bemployee[\s:#]+(\w+)`)
	rePosition    = regexp.MustCompile(`(?i)\bposition[\s:]+(\w+)`)
	reAsPosition  = regexp.MustCompile(`(?i)\bas (?:a|an) ([a-z][\w -]*?)(?:\s+on\s|[?.!,]|$)`)
	reFromDate    = regexp.MustCompile(`(?i)\bfrom (\d{1,2}/\d{1,2}/\d{4})`)
	reToDate      = regexp.MustCompile(`(?i)\bto (\d{1,2}/\d{1,2}/\d{4})`)
	reInMonth     = regexp.MustCompile(`(?i)\bin (` + monthNames + `)\b`)
)

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// todayParam is the "today" default. It silently answers about today when the
// question named no usable date.
func todayParam(now time.Time) string {
	return now.Format("01/02/2006")
}

func mdy(m time.Month, d, y int) string {
	return fmt.Sprintf("%d/%d/%d", int(m), d, y)
}

// extractDate finds "on M/D/YYYY" or "on Month D, YYYY".
func extractDate(text string) (string, bool) {
	if m := reOnSlashDate.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := reOnMonthDate.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return mdy(months[strings.ToLower(m[1])], day, year), true
	}
	return "", false
}

func extractShiftParams(text string, now time.Time) ([]interface{}, bool) {
	if d, ok := extractDate(text); ok {
		return []interface{}{d}, true
	}
	return []interface{}{todayParam(now)}, true
}

func extractEmployeeID(text string, _ time.Time) ([]interface{}, bool) {
	if m := reEmployeeID.FindStringSubmatch(text); m != nil {
		return []interface{}{m[1]}, true
	}
	if m := reEmployee.FindStringSubmatch(text); m != nil && !strings.EqualFold(m[1], "id") {
		return []interface{}{m[1]}, true
	}
	return nil, false
}

func extractPositionParams(text string, now time.Time) ([]interface{}, bool) {
	position := ""
	if m := rePosition.FindStringSubmatch(text); m != nil {
		position = m[1]
	} else if m := reAsPosition.FindStringSubmatch(text); m != nil {
		position = strings.TrimSpace(m[1])
	}
	if position == "" {
		return nil, false
	}
	if d, ok := extractDate(text); ok {
		return []interface{}{position, d}, true
	}
	return []interface{}{position, todayParam(now)}, true
}

func extractLaborCostParams(text string, now time.Time) ([]interface{}, bool) {
	from := reFromDate.FindStringSubmatch(text)
	to := reToDate.FindStringSubmatch(text)
	if from != nil && to != nil {
		return []interface{}{from[1], to[1]}, true
	}
	if m := reInMonth.FindStringSubmatch(text); m != nil {
		month := months[strings.ToLower(m[1])]
		last := time.Date(now.Year(), month+1, 0, 0, 0, 0, 0, time.UTC).Day()
		return []interface{}{mdy(month, 1, now.Year()), mdy(month, last, now.Year())}, true
	}
	return []interface{}{mdy(now.Month(), 1, now.Year()), mdy(now.Month(), now.Day(), now.Year())}, true
}
