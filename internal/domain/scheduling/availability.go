package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IsAvailable is the authority on whether one (date, slot) can be taken.
// exclude names an appointment whose own claim does not count, so a move can
// overlap the slots it is leaving. It always reads the store, never the cache.
func (s *Service) IsAvailable(ctx context.Context, date, slot string, exclude uuid.UUID) (Availability, error) {
	if err := s.validateDate(date); err != nil {
		return Availability{}, err
	}
	if !s.cal.Valid(slot) {
		return Availability{Available: false, Reason: ReasonInvalidSlot}, nil
	}
	if s.cal.IsPast(date, slot) {
		return Availability{Available: false, Reason: ReasonInPast}, nil
	}
	occupant, ok, err := s.appts.OccupantAt(ctx, date, slot)
	if err != nil {
		return Availability{}, wrapError(CodePersistenceFailure, err, "could not check the %s slot on %s", slot, date)
	}
	if ok && occupant != exclude {
		return Availability{Available: false, Reason: ReasonAlreadyBooked}, nil
	}
	return Availability{Available: true}, nil
}

// conflicts checks every slot of a range and returns the ones that are not
// free, with their reasons.
func (s *Service) conflicts(ctx context.Context, date string, slots []string, exclude uuid.UUID) ([]string, []string, error) {
	var taken, reasons []string
	for _, slot := range slots {
		av, err := s.IsAvailable(ctx, date, slot, exclude)
		if err != nil {
			return nil, nil, err
		}
		if !av.Available {
			taken = append(taken, slot)
			reasons = append(reasons, slot+" "+av.Reason)
		}
	}
	return taken, reasons, nil
}

func (s *Service) requireFree(ctx context.Context, date string, slots []string, exclude uuid.UUID) error {
	taken, reasons, err := s.conflicts(ctx, date, slots, exclude)
	if err != nil {
		return err
	}
	if len(taken) == 0 {
		return nil
	}
	var e *Error
	if len(slots) == 1 {
		e = newError(CodeSlotUnavailable, "the %s slot on %s is not available (%s); pick another slot",
			slots[0], date, strings.TrimPrefix(reasons[0], slots[0]+" "))
	} else {
		e = newError(CodeSlotUnavailable, "the %s-%s window on %s overlaps slots that are not available (%s); pick another start",
			slots[0], slots[len(slots)-1], date, strings.Join(reasons, ", "))
	}
	e.Conflicts = taken
	return e
}

// ListAvailability returns, for every date in [from, to], the state of each
// slot.
func (s *Service) ListAvailability(ctx context.Context, from, to string) (map[string]map[string]SlotState, error) {
	dates, err := s.dateRange(from, to)
	if err != nil {
		return nil, err
	}
	days, err := s.loadDays(ctx, dates)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]SlotState, len(dates))
	for _, date := range dates {
		booked := make(map[string]bool)
		for _, a := range days[date] {
			for _, slot := range s.cal.Covered(a.StartSlot, a.EndSlot) {
				booked[slot] = true
			}
		}
		states := make(map[string]SlotState, s.cal.Len())
		for _, slot := range s.cal.labels {
			st := SlotState{Booked: booked[slot], Past: s.cal.IsPast(date, slot)}
			st.Available = !st.Booked && !st.Past
			states[slot] = st
		}
		out[date] = states
	}
	return out, nil
}

// Calendar returns the render grouping for every date in [from, to].
func (s *Service) Calendar(ctx context.Context, from, to string) ([]CalendarDay, error) {
	dates, err := s.dateRange(from, to)
	if err != nil {
		return nil, err
	}
	days, err := s.loadDays(ctx, dates)
	if err != nil {
		return nil, err
	}
	out := make([]CalendarDay, 0, len(dates))
	for _, date := range dates {
		out = append(out, s.cal.GroupDay(date, days[date]))
	}
	return out, nil
}

// CheckMove tells the interactive calendar whether an appointment, keeping its
// length, could start at slot on date.
func (s *Service) CheckMove(ctx context.Context, appointmentID uuid.UUID, date, slot string) (*MoveCheck, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.validateDateSlot(date, slot); err != nil {
		return nil, err
	}
	appt, err := s.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	target := s.cal.Relocate(appt, slot)
	taken, _, err := s.conflicts(ctx, date, target, appt.ID)
	if err != nil {
		return nil, err
	}
	noChange := appt.ScheduledDate == date && appt.StartSlot == slot
	if taken == nil {
		taken = []string{}
	}
	return &MoveCheck{
		AppointmentID: appt.ID,
		Date:          date,
		Slots:         target,
		Conflicts:     taken,
		Allowed:       len(taken) == 0 && !noChange,
		NoChange:      noChange,
	}, nil
}

func (s *Service) dateRange(from, to string) ([]string, error) {
	if s.cal == nil || s.cal.Len() == 0 {
		return nil, newError(CodeServerConfig, "the slot calendar has no slots")
	}
	start, ok := parseDate(from)
	if !ok {
		return nil, newError(CodeInvalidRange, "from date %q is not a valid date (YYYY-MM-DD)", from)
	}
	end, ok := parseDate(to)
	if !ok {
		return nil, newError(CodeInvalidRange, "to date %q is not a valid date (YYYY-MM-DD)", to)
	}
	if end.Before(start) {
		return nil, newError(CodeInvalidRange, "the range %s to %s ends before it starts", from, to)
	}
	days := int(end.Sub(start).Hours()/24) + 1
	if days > s.maxRangeDays {
		return nil, newError(CodeInvalidRange, "the range %s to %s spans %d days; at most %d are allowed", from, to, days, s.maxRangeDays)
	}
	dates := make([]string, 0, days)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}

// -- Day cache --

// Each cached day is tagged with the generation current when its store read
// began. invalidate moves the generation on, so a read that raced a write can
// never serve its snapshot afterwards.

type dayEntry struct {
	Generation   string         `json:"generation"`
	Appointments []*Appointment `json:"appointments"`
}

func dayKey(date string) string        { return "appointments:" + date }
func generationKey(date string) string { return "appointments-gen:" + date }

// generation returns the current generation of date, starting one when none
// is stored. An empty result means the day must not be cached.
func (s *Service) generation(ctx context.Context, date string) string {
	raw, ok, err := s.cache.Get(ctx, generationKey(date))
	if err != nil {
		s.logger.Warn().Err(err).Str("date", date).Msg("cache generation read failed")
		return ""
	}
	if ok && len(raw) > 0 {
		return string(raw)
	}
	gen := uuid.NewString()
	if err := s.cache.Set(ctx, generationKey(date), []byte(gen)); err != nil {
		s.logger.Warn().Err(err).Str("date", date).Msg("cache generation write failed")
		return ""
	}
	return gen
}

// loadDays returns the appointments of each date, reading through the cache.
// Misses are filled with one range query.
func (s *Service) loadDays(ctx context.Context, dates []string) (map[string][]*Appointment, error) {
	out := make(map[string][]*Appointment, len(dates))
	gens := make(map[string]string, len(dates))
	var missing []string
	for _, date := range dates {
		gen := s.generation(ctx, date)
		gens[date] = gen
		if gen == "" {
			missing = append(missing, date)
			continue
		}
		raw, ok, err := s.cache.Get(ctx, dayKey(date))
		if err != nil {
			s.logger.Warn().Err(err).Str("date", date).Msg("cache read failed")
		}
		if !ok || err != nil {
			missing = append(missing, date)
			continue
		}
		var entry dayEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Generation != gen {
			missing = append(missing, date)
			continue
		}
		out[date] = entry.Appointments
	}
	if len(missing) == 0 {
		return out, nil
	}

	appts, err := s.appts.ListByRange(ctx, missing[0], missing[len(missing)-1])
	if err != nil {
		return nil, wrapError(CodePersistenceFailure, err, "could not load appointments from %s to %s", missing[0], missing[len(missing)-1])
	}
	fetched := make(map[string][]*Appointment)
	for _, a := range appts {
		fetched[a.ScheduledDate] = append(fetched[a.ScheduledDate], a)
	}
	for _, date := range missing {
		out[date] = fetched[date]
		if gens[date] == "" {
			continue
		}
		raw, err := json.Marshal(dayEntry{Generation: gens[date], Appointments: fetched[date]})
		if err != nil {
			continue
		}
		if err := s.cache.Set(ctx, dayKey(date), raw); err != nil {
			s.logger.Warn().Err(err).Str("date", date).Msg("cache write failed")
		}
	}
	return out, nil
}

// invalidate moves each date to a new generation and drops its cached day.
// Snapshots taken under the old generation are ignored from then on.
func (s *Service) invalidate(ctx context.Context, dates ...string) {
	keys := make([]string, 0, 2*len(dates))
	for _, d := range dates {
		if err := s.cache.Set(ctx, generationKey(d), []byte(uuid.NewString())); err != nil {
			s.logger.Warn().Err(err).Str("date", d).Msg("cache generation bump failed")
			keys = append(keys, generationKey(d))
		}
		keys = append(keys, dayKey(d))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn().Err(err).Str("dates", fmt.Sprint(dates)).Msg("cache invalidation failed")
	}
}
