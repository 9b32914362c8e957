package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecore/internal/models"
)

func TestBehaviorFollowsTemperature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSwitch("heater", true)
	b := models.Behavior{
		ID:           1,
		ConditionsOn: []models.Condition{cond(t, sensorRef("t1"), "temperature", models.LessThan, "18")},
		CombinatorOn: models.And,
		Switches:     []string{"heater"},
	}

	f.set(t, switchRef("heater"), "", "off")
	f.set(t, sensorRef("t1"), "temperature", "15")
	require.NoError(t, f.runner.EngageBehavior(ctx, b))
	require.Equal(t, []published{{Topic: "home/switch/heater", Payload: "on", Retain: true}}, f.pub.Sent())

	// device echoes its new state
	f.set(t, switchRef("heater"), "", "on")
	f.clock.Advance(61 * time.Second)

	f.set(t, sensorRef("t1"), "temperature", "20")
	require.NoError(t, f.runner.EngageBehavior(ctx, b))
	sent := f.pub.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "off", sent[1].Payload)
}

func TestBehaviorOffTouchesOneSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSwitch("a", true)
	f.addSwitch("b", true)
	f.set(t, switchRef("a"), "", "on")
	f.set(t, switchRef("b"), "", "on")
	f.set(t, sensorRef("door"), "", "open")

	b := models.Behavior{
		ID:            2,
		ConditionsOn:  []models.Condition{cond(t, sensorRef("door"), "", models.Equal, "closed")},
		ConditionsOff: []models.Condition{cond(t, sensorRef("door"), "", models.Equal, "open")},
		Switches:      []string{"a", "b"},
	}
	require.NoError(t, f.runner.EngageBehavior(ctx, b))
	assert.Equal(t, []published{{Topic: "home/switch/a", Payload: "off", Retain: true}}, f.pub.Sent())
}

func TestBehaviorWithoutConditionsIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addSwitch("a", true)
	f.set(t, switchRef("a"), "", "on")

	require.NoError(t, f.runner.EngageBehavior(context.Background(), models.Behavior{ID: 3, Switches: []string{"a"}}))
	assert.Empty(t, f.pub.Sent())
}

func TestBehaviorIgnoresUncontrolledSwitches(t *testing.T) {
	f := newFixture(t)
	f.addSwitch("manual", false)
	f.set(t, switchRef("manual"), "", "off")
	f.set(t, sensorRef("t1"), "", "10")

	b := models.Behavior{
		ID:           4,
		ConditionsOn: []models.Condition{cond(t, sensorRef("t1"), "", models.LessThan, "18")},
		Switches:     []string{"manual"},
	}
	require.NoError(t, f.runner.EngageBehavior(context.Background(), b))
	assert.Empty(t, f.pub.Sent())
}
