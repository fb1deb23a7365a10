package booking

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDate = errors.New("invalid date")
	ErrInvalidSlot = errors.New("slot does not match the clinic schedule")
)

// Settings is the clinic schedule configuration, injected once at
// startup rather than read from a settings row per request.
type Settings struct {
	Location     *time.Location
	WorkdayStart string // "15:04" local clock
	WorkdayEnd   string // "15:04" local clock
	SlotsPerHour int
	HoldTTL      time.Duration
}

func (st Settings) SlotMinutes() int {
	return 60 / st.SlotsPerHour
}

// Slot is a fixed-duration bookable window. Start/End instants are
// kept both in UTC (storage, conflict checks) and in the clinic zone
// (display, leave cutoff math).
type Slot struct {
	StartUTC   time.Time
	EndUTC     time.Time
	StartLocal time.Time
	EndLocal   time.Time
}

func (s Slot) Clock() string {
	return s.StartLocal.Format("15:04")
}

// parseClock converts a "15:04" string to minutes past local midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseClinicDate interprets a "2006-01-02" string as a calendar date
// in the clinic zone and returns local midnight of that day.
func ParseClinicDate(v string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, v)
	}
	return t, nil
}

// DayWindowUTC returns the UTC half-open interval covering one clinic
// calendar day. Used to fetch every appointment that could collide
// with that day's slots.
func DayWindowUTC(date time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// LeaveDateUTC normalizes a clinic calendar date to the UTC-midnight
// representation doctor_leaves is keyed on.
func LeaveDateUTC(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GenerateDaySlots produces the ordered candidate slots for one clinic
// calendar day: every SlotMinutes()-wide window inside
// [WorkdayStart, WorkdayEnd), left to right, with no partial trailing
// slot. Each slot's wall-clock start is resolved to an instant
// independently via time.Date, so a DST jump shifts instants rather
// than silently skewing the grid; mid-workday transitions are assumed
// not to occur in the configured zone.
func GenerateDaySlots(date time.Time, st Settings) ([]Slot, error) {
	startMin, err := parseClock(st.WorkdayStart)
	if err != nil {
		return nil, err
	}
	endMin, err := parseClock(st.WorkdayEnd)
	if err != nil {
		return nil, err
	}
	if endMin <= startMin {
		return nil, fmt.Errorf("workday end %q not after start %q", st.WorkdayEnd, st.WorkdayStart)
	}

	slotMin := st.SlotMinutes()
	y, m, d := date.In(st.Location).Date()

	var slots []Slot
	for cur := startMin; cur+slotMin <= endMin; cur += slotMin {
		startLocal := time.Date(y, m, d, 0, cur, 0, 0, st.Location)
		endLocal := time.Date(y, m, d, 0, cur+slotMin, 0, 0, st.Location)
		slots = append(slots, Slot{
			StartUTC:   startLocal.UTC(),
			EndUTC:     endLocal.UTC(),
			StartLocal: startLocal,
			EndLocal:   endLocal,
		})
	}

	return slots, nil
}

// SlotForClock resolves an explicit start/end clock pair against the
// day's schedule, rejecting anything that is off-grid, outside working
// hours, or not exactly one slot long.
func SlotForClock(date time.Time, startClock, endClock string, st Settings) (Slot, error) {
	startMin, err := parseClock(startClock)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	endMin, err := parseClock(endClock)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}

	workStart, err := parseClock(st.WorkdayStart)
	if err != nil {
		return Slot{}, err
	}
	workEnd, err := parseClock(st.WorkdayEnd)
	if err != nil {
		return Slot{}, err
	}

	slotMin := st.SlotMinutes()
	switch {
	case endMin-startMin != slotMin:
		return Slot{}, fmt.Errorf("%w: window is %d minutes, expected %d", ErrInvalidSlot, endMin-startMin, slotMin)
	case startMin < workStart || endMin > workEnd:
		return Slot{}, fmt.Errorf("%w: outside working hours", ErrInvalidSlot)
	case (startMin-workStart)%slotMin != 0:
		return Slot{}, fmt.Errorf("%w: start %q is not grid-aligned", ErrInvalidSlot, startClock)
	}

	y, m, d := date.In(st.Location).Date()
	startLocal := time.Date(y, m, d, 0, startMin, 0, 0, st.Location)
	endLocal := time.Date(y, m, d, 0, endMin, 0, 0, st.Location)

	return Slot{
		StartUTC:   startLocal.UTC(),
		EndUTC:     endLocal.UTC(),
		StartLocal: startLocal,
		EndLocal:   endLocal,
	}, nil
}
