package scheduler

import (
	"testing"
	"time"

	"github.com/tileserv/coretiles/internal/store"
)

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %q not available: %v", name, err)
	}
	return loc
}

// TestNextRunWeekly_S4 mirrors spec.md §8 scenario S4: a Monday-10:00
// weekly schedule observed at 2025-01-06T09:59:55Z computes a next-run of
// the same day at 10:00:00Z.
func TestNextRunWeekly_S4(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 6, 9, 59, 55, 0, loc)
	sched := store.Schedule{
		Enabled: true,
		Mode:    "weekly",
		Weekly:  &store.WeeklySchedule{Days: []string{"mon"}, Time: "10:00"},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil, want a timestamp")
	}
	want := time.Date(2025, 1, 6, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunWeekly_SkipsToNextWeekWhenPast(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	// Already past Monday 10:00 for this week; expect next Monday.
	now := time.Date(2025, 1, 6, 10, 0, 30, 0, loc)
	sched := store.Schedule{
		Enabled: true,
		Mode:    "weekly",
		Weekly:  &store.WeeklySchedule{Days: []string{"mon"}, Time: "10:00"},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil, want a timestamp")
	}
	want := time.Date(2025, 1, 13, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunWeekly_MultipleDaysPicksEarliest(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 6, 0, 0, 0, 0, loc) // Monday
	sched := store.Schedule{
		Enabled: true,
		Mode:    "weekly",
		Weekly:  &store.WeeklySchedule{Days: []string{"wed", "mon", "fri"}, Time: "08:00"},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil")
	}
	want := time.Date(2025, 1, 6, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v (should pick same-day Monday, not Wed/Fri)", got, want)
	}
}

// TestNextRunMonthly_FebruaryClamp covers spec.md §8's boundary behavior:
// a day-31 monthly schedule clamps to Feb's actual last day (28 or 29).
func TestNextRunMonthly_FebruaryClamp(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 15, 0, 0, 0, 0, loc) // 2025 is not a leap year
	sched := store.Schedule{
		Enabled: true,
		Mode:    "monthly",
		Monthly: &store.MonthlySchedule{Days: []int{31}, Time: "06:00"},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil")
	}
	// January 31 at 06:00 is still ahead of "now", so it wins before Feb is
	// even considered.
	want := time.Date(2025, 1, 31, 6, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}

	// Anchor past January's occurrence: February must clamp to the 28th.
	now2 := time.Date(2025, 2, 1, 0, 0, 0, 0, loc)
	got2 := NextRun(sched, now2)
	if got2 == nil {
		t.Fatal("NextRun returned nil for February anchor")
	}
	want2 := time.Date(2025, 2, 28, 6, 0, 0, 0, loc)
	if !got2.Equal(want2) {
		t.Errorf("NextRun = %v, want %v (Feb 31 should clamp to 28)", got2, want2)
	}
}

func TestNextRunMonthly_LeapYearClampsTo29(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, loc) // 2024 is a leap year
	sched := store.Schedule{
		Enabled: true,
		Mode:    "monthly",
		Monthly: &store.MonthlySchedule{Days: []int{31}, Time: "06:00"},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil")
	}
	want := time.Date(2024, 2, 29, 6, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunYearly_ClampsAndPicksEarliest(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, loc)
	sched := store.Schedule{
		Enabled: true,
		Mode:    "yearly",
		Yearly: &store.YearlySchedule{Occurrences: []store.YearlyOccurrence{
			{Month: 2, Day: 30, Time: "12:00"}, // clamps to Feb 28 in non-leap year
			{Month: 12, Day: 25, Time: "00:00"},
		}},
	}

	got := NextRun(sched, now)
	if got == nil {
		t.Fatal("NextRun returned nil")
	}
	want := time.Date(2025, 2, 28, 12, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunDisabledReturnsNil(t *testing.T) {
	sched := store.Schedule{
		Enabled: false,
		Mode:    "weekly",
		Weekly:  &store.WeeklySchedule{Days: []string{"mon"}, Time: "10:00"},
	}
	if got := NextRun(sched, time.Now()); got != nil {
		t.Errorf("NextRun on disabled schedule = %v, want nil", got)
	}
}

// TestNextRunInvariant4 is spec.md §8 invariant 4: every enabled schedule
// produces a next-run strictly after now+MinLead.
func TestNextRunInvariant4(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, loc)

	cases := []store.Schedule{
		{Enabled: true, Mode: "weekly", Weekly: &store.WeeklySchedule{Days: []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}, Time: "12:00"}},
		{Enabled: true, Mode: "monthly", Monthly: &store.MonthlySchedule{Days: []int{1, 15}, Time: "00:00"}},
		{Enabled: true, Mode: "yearly", Yearly: &store.YearlySchedule{Occurrences: []store.YearlyOccurrence{{Month: 1, Day: 1, Time: "00:00"}}}},
	}
	for _, sched := range cases {
		got := NextRun(sched, now)
		if got == nil {
			t.Fatalf("mode %s: NextRun returned nil", sched.Mode)
		}
		if !got.After(now.Add(MinLead)) {
			t.Errorf("mode %s: NextRun = %v, want strictly after %v", sched.Mode, got, now.Add(MinLead))
		}
	}
}

func TestLegacyNextRun_Interval(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, loc)
	rs := store.RecacheSettings{Enabled: true, Strategy: "interval", IntervalMinutes: 30}

	got := legacyNextRun(rs, now)
	if got == nil {
		t.Fatal("legacyNextRun returned nil")
	}
	want := now.Add(30 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("legacyNextRun = %v, want %v", got, want)
	}
}

func TestLegacyNextRun_Times(t *testing.T) {
	loc := mustLoadLocation(t, "UTC")
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, loc)
	rs := store.RecacheSettings{Enabled: true, Strategy: "times", TimesOfDay: []string{"03:00", "14:00"}}

	got := legacyNextRun(rs, now)
	if got == nil {
		t.Fatal("legacyNextRun returned nil")
	}
	want := time.Date(2025, 1, 1, 14, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("legacyNextRun = %v, want %v", got, want)
	}
}

func TestLegacyNextRun_DisabledOrUnknownStrategy(t *testing.T) {
	now := time.Now()
	if got := legacyNextRun(store.RecacheSettings{Enabled: false, Strategy: "interval", IntervalMinutes: 5}, now); got != nil {
		t.Errorf("disabled: got %v, want nil", got)
	}
	if got := legacyNextRun(store.RecacheSettings{Enabled: true, Strategy: "bogus"}, now); got != nil {
		t.Errorf("unknown strategy: got %v, want nil", got)
	}
}
