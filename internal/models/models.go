package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultChannel is the state key used when a message carries no channel
const DefaultChannel = "state"

// ResourceType is the device class; it is also the second topic segment
type ResourceType string

const (
	TypeSwitch            ResourceType = "switch"
	TypeSensor            ResourceType = "sensor"
	TypeButton            ResourceType = "button"
	TypeHeatingController ResourceType = "heatingcontroller"

	// TypeVirtual only appears in topics feeding raw payloads to virtual devices
	TypeVirtual ResourceType = "virtual"
)

// Kind returns the state-store kind for the resource type
func (t ResourceType) Kind() Kind {
	switch t {
	case TypeSwitch:
		return KindSwitch
	case TypeSensor:
		return KindSensor
	case TypeButton:
		return KindButton
	case TypeHeatingController:
		return KindHeatingController
	case TypeVirtual:
		return KindVirtual
	}
	return ""
}

// Resource represents a physical device reachable over MQTT
type Resource struct {
	UID        string        `json:"uid"`
	Title      string        `json:"title"`
	Type       ResourceType  `json:"type"`
	Facility   string        `json:"facility"`
	Controlled bool          `json:"controlled"`
	AutoOff    time.Duration `json:"auto_off"`
}

// Topic is the command topic {facility}/{type}/{uid}
func (r Resource) Topic() string {
	return r.Facility + "/" + string(r.Type) + "/" + r.UID
}

// SubscriptionTopic is the topic the engine listens on. Sensors and heating
// controllers report several channels, so they get a multi-level wildcard.
func (r Resource) SubscriptionTopic() string {
	switch r.Type {
	case TypeSensor, TypeHeatingController:
		return r.Topic() + "/#"
	}
	return r.Topic()
}

// Ref returns the state-store reference of the resource
func (r Resource) Ref() Ref {
	return Ref{Kind: r.Type.Kind(), ID: r.UID}
}

// Kind identifies which family of state-bearing object a Ref points to
type Kind string

const (
	KindSensor            Kind = "sensor"
	KindSwitch            Kind = "switch"
	KindButton            Kind = "button"
	KindVirtual           Kind = "virtual"
	KindHeatingController Kind = "heatingcontroller"
)

// Ref addresses one state-bearing object
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ErrInvalidSubject is returned when a condition does not reference exactly one object
var ErrInvalidSubject = errors.New("condition must reference exactly one of sensor, switch, button or virtual device")

// SubjectFromColumns builds a condition subject out of the four nullable
// references a row carries. Exactly one must be set.
func SubjectFromColumns(sensor, sw, button, virtual *string) (Ref, error) {
	var refs []Ref
	add := func(kind Kind, id *string) {
		if id != nil && *id != "" {
			refs = append(refs, Ref{Kind: kind, ID: *id})
		}
	}
	add(KindSensor, sensor)
	add(KindSwitch, sw)
	add(KindButton, button)
	add(KindVirtual, virtual)
	if len(refs) != 1 {
		return Ref{}, fmt.Errorf("%w: got %d", ErrInvalidSubject, len(refs))
	}
	return refs[0], nil
}

// Comparison is a condition operator
type Comparison string

const (
	GreaterThan Comparison = ">"
	LessThan    Comparison = "<"
	Equal       Comparison = "=="
	NotEqual    Comparison = "!="
)

func (c Comparison) Valid() bool {
	switch c {
	case GreaterThan, LessThan, Equal, NotEqual:
		return true
	}
	return false
}

// Combinator joins a condition set
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// ParseCombinator accepts AND/OR as well as the legacy "&" and "|" forms
func ParseCombinator(s string) Combinator {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OR", "|":
		return Or
	}
	return And
}

// Condition compares one channel of one object against a literal
type Condition struct {
	ID         int64      `json:"id"`
	Subject    Ref        `json:"subject"`
	Channel    string     `json:"channel"`
	Comparison Comparison `json:"comparison"`
	Value      string     `json:"value"`
}

// NewCondition validates the subject and operator
func NewCondition(subject Ref, channel string, cmp Comparison, value string) (Condition, error) {
	switch subject.Kind {
	case KindSensor, KindSwitch, KindButton, KindVirtual:
	default:
		return Condition{}, fmt.Errorf("%w: kind %q", ErrInvalidSubject, subject.Kind)
	}
	if subject.ID == "" {
		return Condition{}, fmt.Errorf("%w: empty id", ErrInvalidSubject)
	}
	if !cmp.Valid() {
		return Condition{}, fmt.Errorf("invalid comparison %q", cmp)
	}
	return Condition{Subject: subject, Channel: channel, Comparison: cmp, Value: value}, nil
}

// StateChannel returns the channel to read, falling back to the default one
func (c Condition) StateChannel() string {
	if c.Channel == "" {
		return DefaultChannel
	}
	return c.Channel
}

func (c Condition) String() string {
	return fmt.Sprintf("%s.%s %s %s", c.Subject, c.StateChannel(), c.Comparison, c.Value)
}

// Command is the closed set of things an action can do to a device
type Command string

const (
	CommandOn     Command = "on"
	CommandOff    Command = "off"
	CommandToggle Command = "toggle"
	CommandPush   Command = "push"

	// heating circuit positions, never valid in an Action
	CommandOpen  Command = "open"
	CommandClose Command = "close"
)

// ParseCommand validates a command string
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandOn, CommandOff, CommandToggle, CommandPush:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Action is a reusable command descriptor
type Action struct {
	ID      int64   `json:"id"`
	Target  string  `json:"target"`
	Command Command `json:"command"`
}

func (a Action) String() string {
	return a.Target + "=" + string(a.Command)
}

// Scenario is a one-shot rule triggered by its schedules
type Scenario struct {
	ID         int64       `json:"id"`
	Title      string      `json:"title"`
	Active     bool        `json:"active"`
	Conditions []Condition `json:"conditions"`
	Combinator Combinator  `json:"combinator"`
	Actions    []Action    `json:"actions"`
	Buttons    []string    `json:"buttons"`
	Schedules  []Schedule  `json:"schedules"`
}

// Normalize forces AND on an empty condition set
func (s *Scenario) Normalize() {
	if len(s.Conditions) == 0 || s.Combinator == "" {
		s.Combinator = And
	}
}

// Behavior is a level-triggered rule with separate on/off condition sets
type Behavior struct {
	ID            int64       `json:"id"`
	Title         string      `json:"title"`
	ConditionsOn  []Condition `json:"conditions_on"`
	CombinatorOn  Combinator  `json:"combinator_on"`
	ConditionsOff []Condition `json:"conditions_off"`
	CombinatorOff Combinator  `json:"combinator_off"`
	Switches      []string    `json:"switches"`
}

// Regulator keeps a measured value inside a hysteresis band by driving switches
type Regulator struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	SensorID  string   `json:"sensor_id"`
	Channel   string   `json:"channel"`
	Lower     float64  `json:"lower"`
	Upper     float64  `json:"upper"`
	Direction bool     `json:"direction"`
	Switches  []string `json:"switches"`
}

// VirtualDevice is a computed state source evaluated by a plugin class
type VirtualDevice struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Class    string         `json:"class"`
	Settings map[string]any `json:"settings"`
}

// Ref returns the state-store reference of the virtual device
func (v VirtualDevice) Ref() Ref {
	return Ref{Kind: KindVirtual, ID: v.ID}
}

// Premise is a heated room controlled by a thermostat setpoint
type Premise struct {
	ID            int64            `json:"id"`
	Title         string           `json:"title"`
	Thermostat    float64          `json:"thermostat"`
	SensorID      string           `json:"sensor_id"`
	SensorChannel string           `json:"sensor_channel"`
	Controller    *Resource        `json:"controller"`
	Circuits      []HeatingCircuit `json:"circuits"`
}

// HeatingCircuit is one valve of a heating controller
type HeatingCircuit struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`
}
