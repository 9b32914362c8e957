package virtual

import (
	"encoding/json"
	"fmt"
	"time"

	"homecore/internal/models"
)

// RawChannel is the channel jsonchannels devices read their payload from
const RawChannel = "raw"

// Clock reports the current time as HH:MM. Settings: timezone (IANA name), format (Go layout).
type Clock struct {
	Now func() time.Time
}

func (c Clock) Evaluate(settings map[string]any, _ models.State) (any, error) {
	now := c.Now()
	if tz := stringSetting(settings, "timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("clock timezone: %w", err)
		}
		now = now.In(loc)
	}
	return now.Format(stringSetting(settings, "format", "15:04")), nil
}

// weather has no provider behind it yet; it reports the configured value
func weather(settings map[string]any, _ models.State) (any, error) {
	return stringSetting(settings, "value", "0"), nil
}

// Timer is on between the start and end times of day, wrapping past midnight
type Timer struct {
	Now func() time.Time
}

func (t Timer) Evaluate(settings map[string]any, _ models.State) (any, error) {
	start, err := models.ParseTimeOfDay(stringSetting(settings, "start", ""))
	if err != nil {
		return nil, fmt.Errorf("timer start: %w", err)
	}
	end, err := models.ParseTimeOfDay(stringSetting(settings, "end", ""))
	if err != nil {
		return nil, fmt.Errorf("timer end: %w", err)
	}
	now := t.Now()
	from, to := start.On(now), end.On(now)

	var inside bool
	if from.After(to) {
		inside = !now.Before(from) || now.Before(to)
	} else {
		inside = !now.Before(from) && now.Before(to)
	}
	if inside {
		return string(models.CommandOn), nil
	}
	return string(models.CommandOff), nil
}

// jsonChannels expands the JSON object in the raw channel into one channel per key
func jsonChannels(_ map[string]any, previous models.State) (any, error) {
	raw, ok := previous[RawChannel]
	if !ok {
		return previous, nil
	}
	text := models.FormatValue(raw)
	if text == "" {
		return previous, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("decode raw channel: %w", err)
	}
	decoded[RawChannel] = text
	return decoded, nil
}
