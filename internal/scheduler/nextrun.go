package scheduler

import (
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/tileserv/coretiles/internal/store"
)

// MinLead is SCHEDULE_MIN_LEAD_MS's default (spec.md §4.4): a computed
// next-run is never sooner than now+MinLead, so a schedule saved at the
// same instant it fires doesn't immediately re-trigger.
const MinLead = 5 * time.Second

var weekdayCron = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// NextRun computes a schedule's next fire time, implementing spec.md
// §4.4's mode-specific rules. It matches store.NextRunFunc's signature so
// it can be wired straight into store.NewConfigStore.
func NextRun(s store.Schedule, now time.Time) *time.Time {
	if !s.Enabled {
		return nil
	}

	anchor := now
	if s.LastRunAt != nil && s.LastRunAt.After(anchor) {
		anchor = *s.LastRunAt
	}
	earliest := anchor.Add(MinLead)

	var candidate *time.Time
	switch s.Mode {
	case "weekly":
		if s.Weekly != nil {
			candidate = nextWeekly(*s.Weekly, earliest)
		}
	case "monthly":
		if s.Monthly != nil {
			candidate = nextMonthly(*s.Monthly, earliest)
		}
	case "yearly":
		if s.Yearly != nil {
			candidate = nextYearly(*s.Yearly, earliest)
		}
	}
	return candidate
}

func parseHHMM(hhmm string) (hour, minute int, err error) {
	_, err = fmt.Sscanf(hhmm, "%d:%d", &hour, &minute)
	if err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduler: invalid time %q", hhmm)
	}
	return hour, minute, nil
}

// nextWeekly finds the minimum next occurrence, across every enabled
// weekday, of the configured local HH:MM, at or after earliest.
func nextWeekly(w store.WeeklySchedule, earliest time.Time) *time.Time {
	hour, minute, err := parseHHMM(w.Time)
	if err != nil {
		return nil
	}

	var best *time.Time
	for _, day := range w.Days {
		dow, ok := weekdayCron[day]
		if !ok {
			continue
		}
		spec := fmt.Sprintf("%d %d * * %d", minute, hour, dow)
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			continue
		}
		// cron.Next returns the first match strictly after the given
		// instant; back off one minute so a candidate exactly at
		// earliest is still found.
		candidate := sched.Next(earliest.Add(-time.Minute))
		if candidate.Before(earliest) {
			candidate = sched.Next(candidate)
		}
		if best == nil || candidate.Before(*best) {
			t := candidate
			best = &t
		}
	}
	return best
}

// clampDay clamps day to the last valid day of month/year in loc.
func clampDay(year int, month time.Month, day int, loc *time.Location) int {
	lastOfMonth := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastOfMonth {
		return lastOfMonth
	}
	if day < 1 {
		return 1
	}
	return day
}

// nextMonthly iterates the next 14 months (spec.md §4.4), clamping each
// configured day to that month's length, and picks the minimum candidate
// at or after earliest.
func nextMonthly(s store.MonthlySchedule, earliest time.Time) *time.Time {
	hour, minute, err := parseHHMM(s.Time)
	if err != nil {
		return nil
	}

	loc := earliest.Location()
	var best *time.Time
	base := time.Date(earliest.Year(), earliest.Month(), 1, 0, 0, 0, 0, loc)
	for m := 0; m <= 14; m++ {
		monthStart := base.AddDate(0, m, 0)
		for _, day := range s.Days {
			d := clampDay(monthStart.Year(), monthStart.Month(), day, loc)
			candidate := time.Date(monthStart.Year(), monthStart.Month(), d, hour, minute, 0, 0, loc)
			if candidate.Before(earliest) {
				continue
			}
			if best == nil || candidate.Before(*best) {
				c := candidate
				best = &c
			}
		}
	}
	return best
}

// legacyNextRun computes the next run for the project-scope legacy
// schedule (spec.md §3 "legacy recache.strategy"), honored only as a
// fallback when no per-layer/theme schedule is enabled.
func legacyNextRun(rs store.RecacheSettings, now time.Time) *time.Time {
	if !rs.Enabled {
		return nil
	}
	anchor := now
	if rs.LastRunAt != nil && rs.LastRunAt.After(anchor) {
		anchor = *rs.LastRunAt
	}
	earliest := anchor.Add(MinLead)

	switch rs.Strategy {
	case "interval":
		if rs.IntervalMinutes <= 0 {
			return nil
		}
		candidate := anchor.Add(time.Duration(rs.IntervalMinutes) * time.Minute)
		if candidate.Before(earliest) {
			candidate = earliest
		}
		return &candidate
	case "times":
		var best *time.Time
		for dayOffset := 0; dayOffset <= 1; dayOffset++ {
			day := earliest.AddDate(0, 0, dayOffset)
			for _, t := range rs.TimesOfDay {
				hour, minute, err := parseHHMM(t)
				if err != nil {
					continue
				}
				candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
				if candidate.Before(earliest) {
					continue
				}
				if best == nil || candidate.Before(*best) {
					c := candidate
					best = &c
				}
			}
		}
		return best
	default:
		return nil
	}
}

// nextYearly iterates up to 3 years ahead over the configured occurrences
// (spec.md §4.4), clamping each occurrence's day to the given year/month.
func nextYearly(s store.YearlySchedule, earliest time.Time) *time.Time {
	loc := earliest.Location()
	var best *time.Time
	for y := 0; y <= 3; y++ {
		year := earliest.Year() + y
		for _, occ := range s.Occurrences {
			hour, minute, err := parseHHMM(occ.Time)
			if err != nil {
				continue
			}
			month := time.Month(occ.Month)
			if month < time.January || month > time.December {
				continue
			}
			d := clampDay(year, month, occ.Day, loc)
			candidate := time.Date(year, month, d, hour, minute, 0, 0, loc)
			if candidate.Before(earliest) {
				continue
			}
			if best == nil || candidate.Before(*best) {
				c := candidate
				best = &c
			}
		}
	}
	return best
}
