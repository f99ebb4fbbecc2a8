package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a calendar date.
const DateLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

var SystemClock Clock = ClockFunc(time.Now)

// SlotCalendar is the fixed, ordered list of bookable slot labels in a day,
// evaluated against a clock in one time zone.
type SlotCalendar struct {
	labels      []string
	minutes     []int
	index       map[string]int
	granularity int
	loc         *time.Location
	clock       Clock
}

// NewSlotCalendar builds the labels from first to last inclusive, stepping by
// granularityMins.
func NewSlotCalendar(first, last string, granularityMins int, loc *time.Location, clock Clock) (*SlotCalendar, error) {
	if granularityMins <= 0 {
		return nil, newError(CodeServerConfig, "slot granularity must be positive, got %d minutes", granularityMins)
	}
	start, ok := parseClock(first)
	if !ok {
		return nil, newError(CodeServerConfig, "first slot %q is not a valid HH:MM time", first)
	}
	end, ok := parseClock(last)
	if !ok {
		return nil, newError(CodeServerConfig, "last slot %q is not a valid HH:MM time", last)
	}
	if end < start {
		return nil, newError(CodeServerConfig, "last slot %s is before first slot %s", last, first)
	}
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = SystemClock
	}

	c := &SlotCalendar{index: make(map[string]int), granularity: granularityMins, loc: loc, clock: clock}
	for m := start; m <= end; m += granularityMins {
		label := formatClock(m)
		c.index[label] = len(c.labels)
		c.labels = append(c.labels, label)
		c.minutes = append(c.minutes, m)
	}
	return c, nil
}

func (c *SlotCalendar) Labels() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

func (c *SlotCalendar) Granularity() int         { return c.granularity }
func (c *SlotCalendar) Location() *time.Location { return c.loc }
func (c *SlotCalendar) Len() int                 { return len(c.labels) }

func (c *SlotCalendar) Valid(slot string) bool {
	_, ok := c.index[slot]
	return ok
}

func (c *SlotCalendar) Index(slot string) (int, bool) {
	i, ok := c.index[slot]
	return i, ok
}

// Now is the calendar clock's current time in the calendar's zone.
func (c *SlotCalendar) Now() time.Time {
	return c.clock.Now().In(c.loc)
}

func (c *SlotCalendar) Today() string {
	return c.Now().Format(DateLayout)
}

// IsPast reports whether (date, slot) can no longer be booked: the date is
// before today, or it is today and the slot has already started. With hourly
// slots the slot of the current hour is therefore past.
func (c *SlotCalendar) IsPast(date, slot string) bool {
	i, ok := c.index[slot]
	if !ok {
		return false
	}
	now := c.Now()
	today := now.Format(DateLayout)
	switch {
	case date < today:
		return true
	case date > today:
		return false
	}
	return c.minutes[i] <= now.Hour()*60+now.Minute()
}

// SlotStart is the instant the slot begins on date in the calendar's zone.
func (c *SlotCalendar) SlotStart(date, slot string) (time.Time, error) {
	i, ok := c.index[slot]
	if !ok {
		return time.Time{}, newError(CodeInvalidInput, "slot %s is not one of the calendar slots", slot)
	}
	d, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, newError(CodeInvalidInput, "date %q is not a valid date (YYYY-MM-DD)", date)
	}
	return d.Add(time.Duration(c.minutes[i]) * time.Minute), nil
}

func parseDate(s string) (time.Time, bool) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	// Parse accepts some non-canonical forms; the stored format must match.
	return d, d.Format(DateLayout) == s
}

// parseClock turns "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
