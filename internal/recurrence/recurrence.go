package recurrence

import "time"

// Frequency enumerates supported repeat cadences.
type Frequency string

const (
	// FrequencyDaily repeats every calendar day.
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly repeats on a fixed weekday.
	FrequencyWeekly Frequency = "weekly"
	// FrequencyBiweekly repeats on 14-day slots aligned to the anchor date.
	FrequencyBiweekly Frequency = "biweekly"
	// FrequencyMonthly repeats on the anchor date's day of month.
	FrequencyMonthly Frequency = "monthly"
)

const defaultDurationMinutes = 1440

// Schedule describes a repeating competition cadence. AnchorDay is
// required for weekly cadences only.
type Schedule struct {
	Frequency       Frequency
	AnchorDay       *time.Weekday
	AnchorDate      time.Time
	DurationMinutes int
}

// Period is the derived active window containing a given instant. It is
// never stored; callers recompute it from wall-clock time on every query.
type Period struct {
	Start  time.Time
	End    time.Time
	Number int
}

// Contains reports whether the instant falls inside [Start, End).
func (p Period) Contains(now time.Time) bool {
	return !now.Before(p.Start) && now.Before(p.End)
}

// CurrentPeriod computes the active window for the schedule at the
// given instant. It returns nil when the schedule has no frequency
// (one-shot competitions are the caller's concern), when a weekly
// cadence is missing its anchor day, or when a biweekly anchor date
// lies in the future. Pure and deterministic: identical inputs always
// yield identical output.
func CurrentPeriod(schedule Schedule, now time.Time) *Period {
	duration := schedule.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}

	var start time.Time
	var number int
	switch schedule.Frequency {
	case FrequencyDaily:
		start = midnight(now)
		number = daysBetween(midnight(schedule.AnchorDate.In(now.Location())), start)
	case FrequencyWeekly:
		if schedule.AnchorDay == nil {
			return nil
		}
		start = lastWeekday(now, *schedule.AnchorDay)
		_, number = start.ISOWeek()
	case FrequencyBiweekly:
		slotStart, slot, ok := biweeklySlot(schedule.AnchorDate, now)
		if !ok {
			return nil
		}
		start = slotStart
		number = slot
	case FrequencyMonthly:
		start = monthlyBoundary(schedule.AnchorDate, now)
		number = monthsBetween(schedule.AnchorDate.In(now.Location()), start)
	default:
		return nil
	}

	return &Period{
		Start:  start,
		End:    start.Add(time.Duration(duration) * time.Minute),
		Number: number,
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// lastWeekday returns midnight of the most recent occurrence of day at
// or before the instant. An instant already on the target day resolves
// to that same day.
func lastWeekday(now time.Time, day time.Weekday) time.Time {
	offset := (int(now.Weekday()) - int(day) + 7) % 7
	return midnight(now.AddDate(0, 0, -offset))
}

// biweeklySlot searches forward from the anchor date in 14-day steps
// until it finds the slot containing the instant. The search never
// walks backward, so an anchor in the future is invalid.
func biweeklySlot(anchor, now time.Time) (time.Time, int, bool) {
	slotStart := midnight(anchor.In(now.Location()))
	if now.Before(slotStart) {
		return time.Time{}, 0, false
	}
	slot := 0
	for {
		slotEnd := slotStart.AddDate(0, 0, 14)
		if now.Before(slotEnd) {
			return slotStart, slot, true
		}
		slotStart = slotEnd
		slot++
	}
}

// monthlyBoundary returns the anchor's day-of-month in the current
// calendar month, falling back to last month's occurrence when the
// instant precedes it.
func monthlyBoundary(anchor, now time.Time) time.Time {
	day := anchor.In(now.Location()).Day()
	boundary := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location())
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, -1, 0)
	}
	return boundary
}

func daysBetween(from, to time.Time) int {
	hours := to.Sub(from).Hours()
	if hours >= 0 {
		return int(hours/24 + 0.5)
	}
	return -int(-hours/24 + 0.5)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}
