package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecore/internal/models"
)

// fakeStates is a map-backed state.Reader
type fakeStates map[models.Ref]models.State

func (f fakeStates) Read(_ context.Context, ref models.Ref, channel string) (any, bool, error) {
	st, ok := f[ref]
	if !ok {
		return nil, false, nil
	}
	v, ok := st[channel]
	return v, ok, nil
}

// 2026-10-14 is a Wednesday
var wednesday = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func at(h, m int) *models.TimeOfDay {
	return &models.TimeOfDay{Hour: h, Minute: m}
}

func TestNextFireWeekdaysFromWednesday(t *testing.T) {
	s := models.Schedule{ID: 1, Days: []int{2, 4}, At: at(7, 30)}

	next, err := NextFire(s, *s.At, wednesday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 7, 30, 0, 0, time.UTC), next)
	assert.Equal(t, time.Thursday, next.Weekday())
}

func TestNextFireWrapsToNextWeek(t *testing.T) {
	s := models.Schedule{ID: 1, Days: []int{2}, At: at(7, 30)}

	next, err := NextFire(s, *s.At, wednesday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC), next)
}

func TestNextFireToday(t *testing.T) {
	daily := models.Schedule{ID: 1, Daily: true}

	later, err := NextFire(daily, *at(18, 0), wednesday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC), later)

	passed, err := NextFire(daily, *at(11, 59), wednesday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 11, 59, 0, 0, time.UTC), passed)

	// same minute is not passed
	sameMinute, err := NextFire(daily, *at(12, 0), wednesday.Add(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, wednesday, sameMinute)
}

func TestNextFireWithoutDays(t *testing.T) {
	_, err := NextFire(models.Schedule{ID: 9}, *at(7, 0), wednesday)
	assert.True(t, errors.Is(err, ErrScheduling))
}

func TestIsTodayAndMatches(t *testing.T) {
	s := models.Schedule{Days: []int{3}}
	assert.True(t, IsToday(s, wednesday))
	assert.False(t, IsToday(models.Schedule{Days: []int{7}}, wednesday))
	assert.True(t, IsToday(models.Schedule{Daily: true}, wednesday))

	assert.True(t, Matches(s, *at(12, 0), wednesday.Add(59*time.Second)))
	assert.False(t, Matches(s, *at(12, 1), wednesday))
	assert.False(t, Matches(models.Schedule{Days: []int{4}}, *at(12, 0), wednesday))
}

func TestResolveTimeFromVirtualDevice(t *testing.T) {
	ctx := context.Background()
	sunrise := models.Ref{Kind: models.KindVirtual, ID: "sunrise"}
	states := fakeStates{sunrise: {"state": "06:45", "bad": "soon"}}

	tod, err := ResolveTime(ctx, states, models.Schedule{Source: &models.ScheduleSource{VirtualDeviceID: "sunrise"}})
	require.NoError(t, err)
	assert.Equal(t, models.TimeOfDay{Hour: 6, Minute: 45}, tod)

	_, err = ResolveTime(ctx, states, models.Schedule{Source: &models.ScheduleSource{VirtualDeviceID: "sunrise", Channel: "bad"}})
	assert.True(t, errors.Is(err, ErrScheduling))

	_, err = ResolveTime(ctx, states, models.Schedule{Source: &models.ScheduleSource{VirtualDeviceID: "missing"}})
	assert.True(t, errors.Is(err, ErrScheduling))

	tod, err = ResolveTime(ctx, states, models.Schedule{At: at(22, 15)})
	require.NoError(t, err)
	assert.Equal(t, 22, tod.Hour)
}
