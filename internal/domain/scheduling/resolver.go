package scheduling

// ResolveStartIndex picks the slot a requested start time maps to: the exact
// label when present, otherwise the first slot at or after the requested
// time, otherwise the first slot of the day.
func ResolveStartIndex(slots []string, requested string) int {
	for i, s := range slots {
		if s == requested {
			return i
		}
	}
	want, ok := parseClock(requested)
	if !ok {
		return 0
	}
	for i, s := range slots {
		if m, ok := parseClock(s); ok && m >= want {
			return i
		}
	}
	return 0
}

// RequiredSlots is ceil(durationMinutes / granularityMinutes), at least 1.
func RequiredSlots(durationMinutes, granularityMinutes int) int {
	if granularityMinutes <= 0 || durationMinutes <= 0 {
		return 1
	}
	n := durationMinutes / granularityMinutes
	if durationMinutes%granularityMinutes != 0 {
		n++
	}
	return n
}

// SpanFrom returns count consecutive labels starting at index start, clamped
// to the end of the day.
func SpanFrom(slots []string, start, count int) []string {
	if len(slots) == 0 {
		return nil
	}
	if start < 0 || start >= len(slots) {
		start = 0
	}
	if count < 1 {
		count = 1
	}
	if count > len(slots)-start {
		count = len(slots) - start
	}
	end := start + count - 1
	out := make([]string, end-start+1)
	copy(out, slots[start:end+1])
	return out
}

// Window resolves a requested start time and duration into the covered slots.
func (c *SlotCalendar) Window(start string, durationMinutes int) []string {
	return SpanFrom(c.labels, ResolveStartIndex(c.labels, start), RequiredSlots(durationMinutes, c.granularity))
}

// Covered lists the slots an appointment occupies, start and end inclusive.
// A missing or out-of-order end slot means the start slot alone.
func (c *SlotCalendar) Covered(startSlot string, endSlot *string) []string {
	si, ok := c.index[startSlot]
	if !ok {
		return []string{startSlot}
	}
	if endSlot == nil {
		return []string{startSlot}
	}
	ei, ok := c.index[*endSlot]
	if !ok || ei < si {
		return []string{startSlot}
	}
	return SpanFrom(c.labels, si, ei-si+1)
}

// Relocate keeps an appointment's length and moves its start to slot.
func (c *SlotCalendar) Relocate(a *Appointment, slot string) []string {
	i, ok := c.index[slot]
	if !ok {
		return nil
	}
	return SpanFrom(c.labels, i, len(c.Covered(a.StartSlot, a.EndSlot)))
}

// GroupDay lays out one date for rendering. Each appointment is shown once at
// its start row with Span equal to its slot count; the rows it covers after
// the start are marked covered.
func (c *SlotCalendar) GroupDay(date string, appts []*Appointment) CalendarDay {
	day := CalendarDay{Date: date, Cells: make([]CalendarCell, len(c.labels))}
	for i, label := range c.labels {
		state := CellFree
		if c.IsPast(date, label) {
			state = CellPast
		}
		day.Cells[i] = CalendarCell{Slot: label, State: state, Past: state == CellPast}
	}

	for _, a := range appts {
		covered := c.Covered(a.StartSlot, a.EndSlot)
		for j, label := range covered {
			i, ok := c.index[label]
			if !ok {
				continue
			}
			cell := &day.Cells[i]
			id, orderID := a.ID, a.OrderID
			cell.AppointmentID = &id
			cell.OrderID = &orderID
			if j == 0 {
				cell.State = CellAnchor
				cell.Span = len(covered)
				cell.Completed = a.IsCompleted
			} else {
				cell.State = CellCovered
			}
		}
	}
	return day
}
