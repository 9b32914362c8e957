package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homecore/internal/models"
	"homecore/internal/state"
)

// ErrScheduling marks a schedule that cannot produce a fire time this cycle
var ErrScheduling = errors.New("scheduling failed")

// ResolveTime returns the literal time of the schedule or parses the one
// published by its virtual device as HH:MM or HH:MM:SS.
func ResolveTime(ctx context.Context, states state.Reader, s models.Schedule) (models.TimeOfDay, error) {
	if s.At != nil {
		return *s.At, nil
	}
	if s.Source == nil {
		return models.TimeOfDay{}, fmt.Errorf("%w: schedule %d has neither a time nor a source", ErrScheduling, s.ID)
	}
	v, ok, err := states.Read(ctx, s.Source.Ref(), s.Source.StateChannel())
	if err != nil {
		return models.TimeOfDay{}, fmt.Errorf("%w: schedule %d: %w", ErrScheduling, s.ID, err)
	}
	if !ok {
		return models.TimeOfDay{}, fmt.Errorf("%w: schedule %d: no state for %s.%s", ErrScheduling, s.ID, s.Source.Ref(), s.Source.StateChannel())
	}
	tod, err := models.ParseTimeOfDay(models.FormatValue(v))
	if err != nil {
		return models.TimeOfDay{}, fmt.Errorf("%w: schedule %d: %w", ErrScheduling, s.ID, err)
	}
	return tod, nil
}

// IsToday reports whether the schedule runs on the day of now
func IsToday(s models.Schedule, now time.Time) bool {
	return s.OnDay(now)
}

// Matches reports whether the schedule fires during minute
func Matches(s models.Schedule, tod models.TimeOfDay, minute time.Time) bool {
	return s.OnDay(minute) && minute.Hour() == tod.Hour && minute.Minute() == tod.Minute
}

// NextFire returns today at tod when the schedule runs today and that minute
// has not passed yet, otherwise the next eligible day at tod. A fire time in
// the current minute counts as not passed.
func NextFire(s models.Schedule, tod models.TimeOfDay, now time.Time) (time.Time, error) {
	if IsToday(s, now) {
		today := tod.On(now)
		if !today.Truncate(time.Minute).Before(now.Truncate(time.Minute)) {
			return today, nil
		}
	}
	for i := 1; i <= 7; i++ {
		day := now.AddDate(0, 0, i)
		if s.OnDay(day) {
			return tod.On(day), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: schedule %d has no weekdays", ErrScheduling, s.ID)
}
