// Package rules evaluates billing rules against a line item. Evaluation is
// pure: the same rules and input always produce the same decision.
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/billinggroup/domain"
)

// Input is the part of a line item rules can see.
type Input struct {
	Category string
	// Amount is the item total in minor units.
	Amount   int64
	At       time.Time
	Metadata map[string]string
}

// Decision is the outcome of one evaluation. Matched is false when no rule
// applied and the item belongs in the tab's default group.
type Decision struct {
	Matched bool
	RuleID  snowflake.ID
	Action  domain.Action
	GroupID *snowflake.ID
	Reason  string
}

// Sort orders rules by priority, then creation time, then id.
func Sort(rs []domain.BillingRule) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Evaluate returns the decision of the first matching active rule. Times are
// compared in loc, the tab's local zone.
func Evaluate(rs []domain.BillingRule, in Input, loc *time.Location) Decision {
	ordered := make([]domain.BillingRule, len(rs))
	copy(ordered, rs)
	Sort(ordered)

	if loc == nil {
		loc = time.UTC
	}
	local := in.At.In(loc)

	for _, rule := range ordered {
		if !rule.IsActive {
			continue
		}
		if !Matches(rule.Conditions.Data(), in, local) {
			continue
		}
		return Decision{
			Matched: true,
			RuleID:  rule.ID,
			Action:  rule.Action,
			GroupID: rule.BillingGroupID,
			Reason:  rule.Reason,
		}
	}
	return Decision{}
}

// Matches reports whether every specified condition holds. local must
// already be in the tab's zone.
func Matches(c domain.Conditions, in Input, local time.Time) bool {
	if len(c.Categories) > 0 && !containsFold(c.Categories, in.Category) {
		return false
	}
	if c.MinAmount != nil && in.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && in.Amount > *c.MaxAmount {
		return false
	}
	if c.TimeStart != "" || c.TimeEnd != "" {
		ok, err := inWindow(c.TimeStart, c.TimeEnd, local)
		if err != nil || !ok {
			return false
		}
	}
	if len(c.DaysOfWeek) > 0 {
		matched := false
		for _, day := range c.DaysOfWeek {
			wd, err := ParseWeekday(day)
			if err == nil && wd == local.Weekday() {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for key, want := range c.Metadata {
		got, ok := in.Metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Validate rejects conditions that could never be evaluated.
func Validate(c domain.Conditions) error {
	if c.MinAmount != nil && *c.MinAmount < 0 {
		return apperr.Validation("conditions.min_amount", "invalid", "min_amount must not be negative")
	}
	if c.MinAmount != nil && c.MaxAmount != nil && *c.MinAmount > *c.MaxAmount {
		return apperr.Validation("conditions.max_amount", "invalid", "max_amount must be at least min_amount")
	}
	if c.TimeStart != "" {
		if _, err := ParseClock(c.TimeStart); err != nil {
			return apperr.Validation("conditions.time_start", "invalid", err.Error())
		}
	}
	if c.TimeEnd != "" {
		if _, err := ParseClock(c.TimeEnd); err != nil {
			return apperr.Validation("conditions.time_end", "invalid", err.Error())
		}
	}
	if c.TimeStart != "" && c.TimeStart == c.TimeEnd {
		return apperr.Validation("conditions.time_end", "invalid", "time window is empty")
	}
	for _, day := range c.DaysOfWeek {
		if _, err := ParseWeekday(day); err != nil {
			return apperr.Validation("conditions.days_of_week", "invalid", err.Error())
		}
	}
	return nil
}

// inWindow checks [start, end) in minutes since local midnight. A window
// whose end is before its start wraps past midnight.
func inWindow(start, end string, local time.Time) (bool, error) {
	from, to := 0, 24*60
	var err error
	if start != "" {
		if from, err = ParseClock(start); err != nil {
			return false, err
		}
	}
	if end != "" {
		if to, err = ParseClock(end); err != nil {
			return false, err
		}
	}
	now := local.Hour()*60 + local.Minute()
	if from <= to {
		return now >= from && now < to, nil
	}
	return now >= from || now < to, nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("time %q must be HH:MM", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time %q has an invalid hour", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q has invalid minutes", value)
	}
	return h*60 + m, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(value string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, fmt.Errorf("unknown day of week %q", value)
	}
	return wd, nil
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
