package availability

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"teamcal/internal/models"
)

// 2025-03-03 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, time.UTC)
}

func busy(owner string, start, end time.Time) models.CalendarEvent {
	return models.CalendarEvent{Start: start, End: end, Status: models.StatusBusy, OwnerEmail: owner}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "touching intervals merge",
			in:   []Interval{{at(3, 10, 0), at(3, 11, 0)}, {at(3, 9, 0), at(3, 10, 0)}},
			want: []Interval{{at(3, 9, 0), at(3, 11, 0)}},
		},
		{
			name: "contained interval absorbed",
			in:   []Interval{{at(3, 9, 0), at(3, 12, 0)}, {at(3, 10, 0), at(3, 11, 0)}},
			want: []Interval{{at(3, 9, 0), at(3, 12, 0)}},
		},
		{
			name: "gap keeps intervals apart",
			in:   []Interval{{at(3, 9, 0), at(3, 10, 0)}, {at(3, 10, 30), at(3, 11, 0)}},
			want: []Interval{{at(3, 9, 0), at(3, 10, 0)}, {at(3, 10, 30), at(3, 11, 0)}},
		},
		{
			name: "chain of overlaps",
			in: []Interval{
				{at(3, 13, 0), at(3, 15, 0)},
				{at(3, 9, 0), at(3, 10, 30)},
				{at(3, 10, 0), at(3, 13, 30)},
			},
			want: []Interval{{at(3, 9, 0), at(3, 15, 0)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Merge(tt.in)); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeOverlappingPairProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	base := at(3, 0, 0)
	for i := 0; i < 500; i++ {
		aStart := base.Add(time.Duration(r.IntN(600)) * time.Minute)
		aEnd := aStart.Add(time.Duration(1+r.IntN(240)) * time.Minute)
		// B starts inside A or exactly where A ends.
		bStart := aStart.Add(time.Duration(r.IntN(int(aEnd.Sub(aStart)/time.Minute)+1)) * time.Minute)
		bEnd := bStart.Add(time.Duration(1+r.IntN(240)) * time.Minute)

		got := Merge([]Interval{{aStart, aEnd}, {bStart, bEnd}})
		want := []Interval{{minTime(aStart, bStart), maxTime(aEnd, bEnd)}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("Merge(%v-%v, %v-%v) mismatch (-want +got):\n%s", aStart, aEnd, bStart, bEnd, diff)
		}
	}
}

func TestMergeDisjointProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 200; i++ {
		var in []Interval
		var total time.Duration
		cursor := at(3, 0, 0)
		for n := r.IntN(20); n > 0; n-- {
			cursor = cursor.Add(time.Duration(1+r.IntN(120)) * time.Minute)
			length := time.Duration(1+r.IntN(180)) * time.Minute
			in = append(in, Interval{cursor, cursor.Add(length)})
			total += length
			cursor = cursor.Add(length)
		}
		r.Shuffle(len(in), func(i, j int) { in[i], in[j] = in[j], in[i] })

		got := Merge(in)
		if len(got) != len(in) {
			t.Fatalf("Merge() returned %d intervals for %d disjoint ones", len(got), len(in))
		}
		var covered time.Duration
		for _, iv := range got {
			covered += iv.End.Sub(iv.Start)
		}
		if covered != total {
			t.Fatalf("Merge() covers %v, want %v", covered, total)
		}
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func TestFindBackToBackEvents(t *testing.T) {
	cals := map[string][]models.CalendarEvent{
		"a@example.com": {
			busy("a@example.com", at(3, 9, 0), at(3, 10, 0)),
			busy("a@example.com", at(3, 10, 0), at(3, 11, 0)),
		},
	}
	res := Find(cals, []string{"a@example.com"}, Request{
		Start: at(3, 9, 0), End: at(3, 18, 0), Duration: 30 * time.Minute,
	}, DefaultBusinessHours())

	if len(res.Slots) == 0 {
		t.Fatal("no slots returned")
	}
	first := res.Slots[0]
	if !first.Start.Equal(at(3, 11, 0)) || !first.End.Equal(at(3, 11, 30)) {
		t.Errorf("first slot = [%v, %v), want [11:00, 11:30)", first.Start, first.End)
	}
	if first.DurationMinutes != 30 {
		t.Errorf("DurationMinutes = %d, want 30", first.DurationMinutes)
	}
}

func TestFindWeekendWithoutData(t *testing.T) {
	users := []string{"a@example.com", "b@example.com"}
	res := Find(map[string][]models.CalendarEvent{}, users, Request{
		Start: at(8, 0, 0), End: at(10, 0, 0), Duration: time.Hour,
	}, DefaultBusinessHours())

	if len(res.Slots) != 0 {
		t.Errorf("got %d slots, want none", len(res.Slots))
	}
	if diff := cmp.Diff(users, res.CheckedUsers); diff != "" {
		t.Errorf("CheckedUsers mismatch (-want +got):\n%s", diff)
	}
}

func TestFindEmptyUserSet(t *testing.T) {
	res := Find(map[string][]models.CalendarEvent{"a@example.com": {}}, nil, Request{
		Start: at(3, 9, 0), End: at(3, 18, 0), Duration: time.Hour,
	}, DefaultBusinessHours())
	if len(res.Slots) != 0 || len(res.CheckedUsers) != 0 {
		t.Errorf("Find() = %+v, want empty result", res)
	}
}

func TestFindTwoUsers(t *testing.T) {
	cals := map[string][]models.CalendarEvent{
		"a@example.com": {busy("a@example.com", at(3, 9, 0), at(3, 12, 0))},
		"b@example.com": {busy("b@example.com", at(3, 14, 0), at(3, 17, 0))},
	}
	res := Find(cals, []string{"a@example.com", "b@example.com"}, Request{
		Start: at(3, 9, 0), End: at(3, 18, 0), Duration: time.Hour,
	}, DefaultBusinessHours())

	want := []Slot{
		{Start: at(3, 12, 0), End: at(3, 13, 0), DurationMinutes: 60},
		{Start: at(3, 12, 30), End: at(3, 13, 30), DurationMinutes: 60},
		{Start: at(3, 13, 0), End: at(3, 14, 0), DurationMinutes: 60},
		{Start: at(3, 17, 0), End: at(3, 18, 0), DurationMinutes: 60},
	}
	if diff := cmp.Diff(want, res.Slots); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestFindDurationLongerThanBusinessDay(t *testing.T) {
	res := Find(map[string][]models.CalendarEvent{"a@example.com": {}}, []string{"a@example.com"}, Request{
		Start: at(3, 0, 0), End: at(10, 0, 0), Duration: 600 * time.Minute,
	}, DefaultBusinessHours())
	if len(res.Slots) != 0 {
		t.Errorf("got %d slots for a 10h meeting, want none", len(res.Slots))
	}
}

func TestFindIgnoresNonBlockingStatuses(t *testing.T) {
	ev := func(status models.Status) models.CalendarEvent {
		return models.CalendarEvent{Start: at(3, 9, 0), End: at(3, 18, 0), Status: status}
	}
	for _, status := range []models.Status{models.StatusFree, models.StatusWorkingElsewhere, models.StatusUnknown} {
		cals := map[string][]models.CalendarEvent{"a@example.com": {ev(status)}}
		res := Find(cals, []string{"a@example.com"}, Request{
			Start: at(3, 9, 0), End: at(3, 18, 0), Duration: time.Hour,
		}, DefaultBusinessHours())
		if len(res.Slots) == 0 {
			t.Errorf("status %v blocked the whole day", status)
		}
	}
	for _, status := range []models.Status{models.StatusBusy, models.StatusTentative, models.StatusOutOfOffice} {
		cals := map[string][]models.CalendarEvent{"a@example.com": {ev(status)}}
		res := Find(cals, []string{"a@example.com"}, Request{
			Start: at(3, 9, 0), End: at(3, 18, 0), Duration: time.Hour,
		}, DefaultBusinessHours())
		if len(res.Slots) != 0 {
			t.Errorf("status %v did not block the day: %d slots", status, len(res.Slots))
		}
	}
}

func TestFindStripsTimezone(t *testing.T) {
	taipei := time.FixedZone("CST", 8*3600)
	cals := map[string][]models.CalendarEvent{
		"a@example.com": {{
			Start:  time.Date(2025, 3, 3, 9, 0, 0, 0, taipei),
			End:    time.Date(2025, 3, 3, 17, 0, 0, 0, taipei),
			Status: models.StatusBusy,
		}},
	}
	res := Find(cals, []string{"a@example.com"}, Request{
		Start:    time.Date(2025, 3, 3, 9, 0, 0, 0, time.FixedZone("X", -5*3600)),
		End:      time.Date(2025, 3, 3, 18, 0, 0, 0, time.FixedZone("X", -5*3600)),
		Duration: time.Hour,
	}, DefaultBusinessHours())

	want := []Slot{{Start: at(3, 17, 0), End: at(3, 18, 0), DurationMinutes: 60}}
	if diff := cmp.Diff(want, res.Slots); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepSkipsNightsAndWeekends(t *testing.T) {
	// Friday 17:00 to Monday 10:00.
	slots := Sweep(nil, at(7, 17, 0), at(10, 10, 0), time.Hour, DefaultBusinessHours())
	want := []Slot{
		{Start: at(7, 17, 0), End: at(7, 18, 0), DurationMinutes: 60},
		{Start: at(10, 9, 0), End: at(10, 10, 0), DurationMinutes: 60},
		{Start: at(10, 9, 30), End: at(10, 10, 30), DurationMinutes: 60},
	}
	if diff := cmp.Diff(want, slots); diff != "" {
		t.Errorf("Sweep() mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepCapsSlots(t *testing.T) {
	slots := Sweep(nil, at(3, 0, 0), at(31, 0, 0), 30*time.Minute, DefaultBusinessHours())
	if len(slots) != MaxSlots {
		t.Errorf("got %d slots, want %d", len(slots), MaxSlots)
	}
}

func TestSweepNonPositiveDuration(t *testing.T) {
	if slots := Sweep(nil, at(3, 9, 0), at(3, 18, 0), 0, DefaultBusinessHours()); len(slots) != 0 {
		t.Errorf("got %d slots for zero duration", len(slots))
	}
}

func TestSlotsRespectPolicyAndBusyProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 99))
	hours := DefaultBusinessHours()
	for i := 0; i < 200; i++ {
		cals := map[string][]models.CalendarEvent{}
		users := []string{"a", "b", "c"}
		for _, u := range users {
			for n := r.IntN(8); n > 0; n-- {
				s := at(3, 0, 0).Add(time.Duration(r.IntN(5*24*4)) * 15 * time.Minute)
				cals[u] = append(cals[u], busy(u, s, s.Add(time.Duration(1+r.IntN(16))*15*time.Minute)))
			}
			if _, ok := cals[u]; !ok {
				cals[u] = []models.CalendarEvent{}
			}
		}
		req := Request{
			Start:    at(3, r.IntN(24), 0),
			End:      at(3+1+r.IntN(6), r.IntN(24), 0),
			Duration: time.Duration(1+r.IntN(8)) * 30 * time.Minute,
		}

		res := Find(cals, users, req, hours)
		again := Find(cals, users, req, hours)
		if diff := cmp.Diff(res, again); diff != "" {
			t.Fatalf("Find() not idempotent (-first +second):\n%s", diff)
		}

		var all [][]models.CalendarEvent
		for _, u := range users {
			all = append(all, cals[u])
		}
		merged := Merge(collectBusy(all, req.Start, req.End))
		for _, slot := range res.Slots {
			if !hours.contains(slot.Start) {
				t.Fatalf("slot %v starts outside business hours", slot.Start)
			}
			if slot.End.After(hours.dayEnd(slot.Start)) {
				t.Fatalf("slot [%v, %v) crosses the end of the day", slot.Start, slot.End)
			}
			for _, b := range merged {
				if slot.Start.Before(b.End) && b.Start.Before(slot.End) {
					t.Fatalf("slot [%v, %v) intersects busy [%v, %v)", slot.Start, slot.End, b.Start, b.End)
				}
			}
		}
	}
}

func TestResultInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	wall := time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)
	res := Result{
		Slots:        []Slot{{Start: wall, End: wall.Add(time.Hour), DurationMinutes: 60}},
		CheckedUsers: []string{"alice@example.com"},
	}

	got := res.In(loc)
	if want := time.Date(2025, 3, 3, 17, 0, 0, 0, loc); !got.Slots[0].Start.Equal(want) {
		t.Errorf("Start = %v, want %v", got.Slots[0].Start, want)
	}
	if got.Slots[0].End.Location() != loc || got.Slots[0].DurationMinutes != 60 {
		t.Errorf("End = %v, DurationMinutes = %d", got.Slots[0].End, got.Slots[0].DurationMinutes)
	}
	if !res.Slots[0].Start.Equal(wall) {
		t.Error("In() modified the receiver")
	}
	if got := InLocation(WallClock(time.Date(2025, 3, 3, 9, 30, 0, 0, loc)), loc); !got.Equal(time.Date(2025, 3, 3, 9, 30, 0, 0, loc)) {
		t.Errorf("InLocation(WallClock(t)) = %v", got)
	}
}
