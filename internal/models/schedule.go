package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts HH:MM and HH:MM:SS
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	// TIME columns render fractional seconds, which the minute resolution ignores
	if len(parts) == 3 {
		parts[2], _, _ = strings.Cut(parts[2], ".")
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		nums[i] = n
	}
	tod := TimeOfDay{Hour: nums[0], Minute: nums[1], Second: nums[2]}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range %q", s)
	}
	return tod, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// On returns the instant of t on the calendar day of d, in d's location
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour, t.Minute, t.Second, 0, d.Location())
}

// ScheduleSource points at a virtual device channel holding a time string
type ScheduleSource struct {
	VirtualDeviceID string `json:"virtual_device_id"`
	Channel         string `json:"channel"`
}

// Ref returns the state-store reference of the source device
func (s ScheduleSource) Ref() Ref {
	return Ref{Kind: KindVirtual, ID: s.VirtualDeviceID}
}

// StateChannel returns the channel to read, falling back to the default one
func (s ScheduleSource) StateChannel() string {
	if s.Channel == "" {
		return DefaultChannel
	}
	return s.Channel
}

// Schedule fires its scenario daily or on listed ISO weekdays (1=Monday .. 7=Sunday)
type Schedule struct {
	ID         int64           `json:"id"`
	ScenarioID int64           `json:"scenario_id"`
	Daily      bool            `json:"daily"`
	Days       []int           `json:"days"`
	At         *TimeOfDay      `json:"at,omitempty"`
	Source     *ScheduleSource `json:"source,omitempty"`
}

// ISOWeekday maps time.Weekday to 1=Monday .. 7=Sunday
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// OnDay reports whether the schedule is eligible on the day of t
func (s Schedule) OnDay(t time.Time) bool {
	if s.Daily {
		return true
	}
	wd := ISOWeekday(t)
	for _, d := range s.Days {
		if d == wd {
			return true
		}
	}
	return false
}

// ParseDays parses a comma separated weekday list such as "2,4"
func ParseDays(s string) ([]int, error) {
	var days []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid weekday %q: %w", p, err)
		}
		if d < 1 || d > 7 {
			return nil, fmt.Errorf("weekday %d out of range 1-7", d)
		}
		days = append(days, d)
	}
	return days, nil
}

// FormatDays is the inverse of ParseDays
func FormatDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
