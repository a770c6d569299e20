package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

var bounds = Bounds{MinWeight: 1, MaxWeight: 20, MinCount: 1, MaxCount: 50}

func TestTagAndMachineID(t *testing.T) {
	assert.NoError(t, Tag("1234567890"))
	assert.NoError(t, Tag("A1B2"))
	assert.Error(t, Tag("12"))
	assert.Error(t, Tag("12 34 56"))
	assert.Error(t, Tag(""))

	assert.NoError(t, MachineID("RPI_001"))
	assert.NoError(t, MachineID("kiosk-lobby"))
	assert.Error(t, MachineID("a"))
	assert.Error(t, MachineID("bad id"))
}

func TestTimestamp(t *testing.T) {
	want := time.Date(2025, 11, 24, 15, 19, 7, 0, time.UTC)

	cases := []string{
		"2025-11-24T15:19:07Z",
		"2025-11-24T17:19:07+02:00",
		"2025-11-24T15:19:07",
		"2025-11-24 15:19:07",
		"1763997547",
		"1763997547000",
	}
	for _, raw := range cases {
		got, err := Timestamp(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), "%s -> %s", raw, got)
	}

	for _, raw := range []string{"", "yesterday", "-5", "2025-13-01T00:00:00Z"} {
		_, err := Timestamp(raw)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput), raw)
	}
}

func TestReading(t *testing.T) {
	assert.NoError(t, Reading(model.ReadingWeight, 5.2, bounds))
	assert.NoError(t, Reading(model.ReadingWeight, 1.0, bounds))
	assert.NoError(t, Reading(model.ReadingWeight, 20.0, bounds))
	assert.True(t, errors.Is(Reading(model.ReadingWeight, 0.5, bounds), apperr.ErrOutOfRange))
	assert.True(t, errors.Is(Reading(model.ReadingWeight, 25, bounds), apperr.ErrOutOfRange))

	assert.NoError(t, Reading(model.ReadingCount, 3, bounds))
	assert.True(t, errors.Is(Reading(model.ReadingCount, 0, bounds), apperr.ErrOutOfRange))
	assert.True(t, errors.Is(Reading(model.ReadingCount, 2.5, bounds), apperr.ErrInvalidInput))

	assert.True(t, errors.Is(Reading("volume", 3, bounds), apperr.ErrInvalidInput))
}

func TestSensorHealth(t *testing.T) {
	ok := map[string]string{"rfid": "ok", "loadCell": "ok", "inductiveSensor": "ok", "irSensor": "ok", "servo": "ok"}
	assert.NoError(t, SensorHealth(ok))

	missing := map[string]string{"rfid": "ok", "loadCell": "ok", "inductiveSensor": "ok", "irSensor": "ok"}
	assert.Error(t, SensorHealth(missing))

	extra := map[string]string{"rfid": "ok", "loadCell": "ok", "inductiveSensor": "ok", "irSensor": "ok", "camera": "ok"}
	assert.Error(t, SensorHealth(extra))

	bad := map[string]string{"rfid": "ok", "loadCell": "ok", "inductiveSensor": "ok", "irSensor": "ok", "servo": "meh"}
	assert.Error(t, SensorHealth(bad))

	bad["servo"] = "error"
	bad["rfid"] = "error"
	assert.Equal(t, []string{"rfid", "servo"}, FailingSensors(bad))
}

func TestStruct(t *testing.T) {
	type payload struct {
		MachineID string `json:"machineId" validate:"required,machineid"`
		RFIDTag   string `json:"rfidTag" validate:"required,rfidtag"`
	}
	assert.NoError(t, Struct(payload{MachineID: "RPI_001", RFIDTag: "1234567890"}))

	err := Struct(payload{MachineID: "RPI_001", RFIDTag: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
	assert.Contains(t, err.Error(), "invalid rfidTag (rfidtag)")
}
