// Package availability finds meeting slots where every requested user is free.
//
// All arithmetic happens on naive wall-clock times: the zone of every input is
// dropped and the clock reading kept, so the caller must supply events and
// windows expressed in the same reference timezone.
package availability

import (
	"sort"
	"time"

	"teamcal/internal/models"
)

const (
	// Step is the distance between consecutive candidate slot starts.
	Step = 30 * time.Minute
	// MaxSlots caps the number of slots a single query returns.
	MaxSlots = 50
)

// BusinessHours is the daily window in which slots may be offered.
type BusinessHours struct {
	StartHour int
	EndHour   int
	Weekdays  map[time.Weekday]bool
}

// DefaultBusinessHours is 09:00-18:00, Monday to Friday.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		StartHour: 9,
		EndHour:   18,
		Weekdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
	}
}

func (b BusinessHours) isWorkday(t time.Time) bool {
	return b.Weekdays[t.Weekday()]
}

func (b BusinessHours) contains(t time.Time) bool {
	return b.isWorkday(t) && t.Hour() >= b.StartHour && t.Hour() < b.EndHour
}

func (b BusinessHours) dayEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), b.EndHour, 0, 0, 0, t.Location())
}

// nextOpening returns the first business-day opening strictly after t, or the
// same day's opening when t is before it on a workday.
func (b BusinessHours) nextOpening(t time.Time) time.Time {
	open := time.Date(t.Year(), t.Month(), t.Day(), b.StartHour, 0, 0, 0, t.Location())
	if !open.After(t) {
		open = open.AddDate(0, 0, 1)
	}
	for i := 0; i < 7 && !b.isWorkday(open); i++ {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is a free period offered to the caller.
type Slot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"durationMinutes"`
}

// Request describes an availability query.
type Request struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Result is the answer to a Request.
type Result struct {
	Slots        []Slot   `json:"slots"`
	CheckedUsers []string `json:"checkedUsers"`
}

// WallClock drops the zone of t, keeping its clock reading.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// InLocation reads the clock of a WallClock value as a time in loc.
func InLocation(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// In returns a copy of r whose slots carry loc instead of the zone-less
// clock the engine computes in.
func (r Result) In(loc *time.Location) Result {
	slots := make([]Slot, len(r.Slots))
	for i, s := range r.Slots {
		slots[i] = Slot{Start: InLocation(s.Start, loc), End: InLocation(s.End, loc), DurationMinutes: s.DurationMinutes}
	}
	return Result{Slots: slots, CheckedUsers: r.CheckedUsers}
}

// Find computes the free slots shared by users. calendars holds the cached
// events of the users that are available; users absent from it are echoed in
// CheckedUsers but contribute nothing. When no requested user has cached data
// no slots are returned.
func Find(calendars map[string][]models.CalendarEvent, users []string, req Request, hours BusinessHours) Result {
	res := Result{Slots: []Slot{}, CheckedUsers: []string{}}
	if len(users) == 0 {
		return res
	}
	res.CheckedUsers = append(res.CheckedUsers, users...)

	var events [][]models.CalendarEvent
	for _, u := range users {
		if evs, ok := calendars[u]; ok {
			events = append(events, evs)
		}
	}
	if len(events) == 0 {
		return res
	}

	start, end := WallClock(req.Start), WallClock(req.End)
	busy := Merge(collectBusy(events, start, end))
	res.Slots = Sweep(busy, start, end, req.Duration, hours)
	return res
}

// collectBusy gathers the blocking events clipped to [start, end).
func collectBusy(calendars [][]models.CalendarEvent, start, end time.Time) []Interval {
	var out []Interval
	for _, events := range calendars {
		for _, e := range events {
			if !e.Status.BlocksTime() {
				continue
			}
			s, f := WallClock(e.Start), WallClock(e.End)
			if !f.After(start) || !s.Before(end) {
				continue
			}
			if s.Before(start) {
				s = start
			}
			if f.After(end) {
				f = end
			}
			out = append(out, Interval{Start: s, End: f})
		}
	}
	return out
}

// Merge sorts intervals by start and unions those that overlap or touch.
// The input slice is not modified.
func Merge(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := []Interval{sorted[0]}
	for _, next := range sorted[1:] {
		cur := &merged[len(merged)-1]
		if !next.Start.After(cur.End) {
			if next.End.After(cur.End) {
				cur.End = next.End
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

// Sweep walks [start, end) in Step increments and emits every slot of length
// d that fits inside business hours without touching a busy interval. busy
// must be sorted and non-overlapping, as returned by Merge.
func Sweep(busy []Interval, start, end time.Time, d time.Duration, hours BusinessHours) []Slot {
	slots := []Slot{}
	if d <= 0 || len(hours.Weekdays) == 0 {
		return slots
	}
	minutes := int(d / time.Minute)

	cursor, idx := start, 0
	for cursor.Before(end) && len(slots) < MaxSlots {
		if !hours.contains(cursor) {
			cursor = hours.nextOpening(cursor)
			continue
		}

		for idx < len(busy) && !busy[idx].End.After(cursor) {
			idx++
		}
		if idx < len(busy) && !busy[idx].Start.After(cursor) {
			cursor = busy[idx].End
			continue
		}

		slotEnd := cursor.Add(d)
		if slotEnd.After(hours.dayEnd(cursor)) {
			cursor = hours.nextOpening(cursor)
			continue
		}
		if idx < len(busy) && slotEnd.After(busy[idx].Start) {
			cursor = busy[idx].End
			continue
		}

		slots = append(slots, Slot{Start: cursor, End: slotEnd, DurationMinutes: minutes})
		cursor = cursor.Add(Step)
	}
	return slots
}
