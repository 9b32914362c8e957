package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecore/internal/models"
)

func TestEngageHeating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ctrl := models.Resource{UID: "hc1", Type: models.TypeHeatingController, Facility: "home"}
	p := models.Premise{
		ID:         1,
		Thermostat: 20,
		SensorID:   "t1",
		Controller: &ctrl,
		Circuits:   []models.HeatingCircuit{{ID: 1, Key: "c1"}, {ID: 2, Key: "c2"}},
	}

	f.set(t, sensorRef("t1"), "", "18.5")
	f.set(t, ctrl.Ref(), "c2", "open")
	require.NoError(t, f.runner.EngageHeating(ctx, p))
	assert.Equal(t, []published{{Topic: "home/heatingcontroller/hc1/c1", Payload: "open", Retain: true}}, f.pub.Sent())

	f.set(t, ctrl.Ref(), "c1", "open")
	f.set(t, sensorRef("t1"), "", "21")
	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.runner.EngageHeating(ctx, p))
	sent := f.pub.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "close", sent[1].Payload)
	assert.Equal(t, "close", sent[2].Payload)
}

func TestPremiseTemperatureFallsBackToTemp(t *testing.T) {
	f := newFixture(t)
	f.set(t, sensorRef("t2"), "temp", "17")

	temp, err := f.runner.PremiseTemperature(context.Background(), models.Premise{ID: 2, SensorID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, 17.0, temp)
}

func TestSetCircuitFailsWhenFreezeStateUnreadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ctrl := models.Resource{UID: "hc1", Type: models.TypeHeatingController, Facility: "home"}

	f.mr.SetError("LOADING Redis is loading the dataset in memory")
	err := f.exec.SetCircuit(ctx, ctrl, "c1", models.CommandOpen)
	require.ErrorIs(t, err, ErrAction)
	assert.Empty(t, f.pub.Sent())

	f.mr.SetError("")
	require.NoError(t, f.exec.SetCircuit(ctx, ctrl, "c1", models.CommandOpen))
	assert.Equal(t, []published{{Topic: "home/heatingcontroller/hc1/c1", Payload: "open", Retain: true}}, f.pub.Sent())

	// the circuit is frozen now
	require.NoError(t, f.exec.SetCircuit(ctx, ctrl, "c1", models.CommandClose))
	assert.Len(t, f.pub.Sent(), 1)
}
