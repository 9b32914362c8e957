package models

import (
	"fmt"
	"time"
)

// Task is a deferred unit of work: a scenario run or a list of actions
type Task struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	ScenarioID  int64     `json:"scenario_id,omitempty"`
	Actions     []Action  `json:"actions,omitempty"`
	ScheduledOn time.Time `json:"scheduled_on"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewScenarioTask builds a task running scenarioID at the minute of at
func NewScenarioTask(scenarioID int64, at time.Time) Task {
	at = at.Truncate(time.Minute)
	return Task{
		Key:         fmt.Sprintf("scenario:%d@%d", scenarioID, at.Unix()),
		ScenarioID:  scenarioID,
		ScheduledOn: at,
	}
}

// NewActionTask builds a task applying action at the minute of at
func NewActionTask(action Action, at time.Time) Task {
	at = at.Truncate(time.Minute)
	return Task{
		Key:         fmt.Sprintf("action:%s:%s@%d", action.Target, action.Command, at.Unix()),
		Actions:     []Action{action},
		ScheduledOn: at,
	}
}

// Due reports whether the task should run at now. Seconds are ignored.
func (t Task) Due(now time.Time) bool {
	return !now.Truncate(time.Minute).Before(t.ScheduledOn.Truncate(time.Minute))
}

func (t Task) String() string {
	if t.ScenarioID != 0 {
		return fmt.Sprintf("task %d scheduled on %s for scenario %d", t.ID, t.ScheduledOn.Format(time.RFC3339), t.ScenarioID)
	}
	return fmt.Sprintf("task %d scheduled on %s for %d actions", t.ID, t.ScheduledOn.Format(time.RFC3339), len(t.Actions))
}
