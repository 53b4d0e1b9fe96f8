package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
)

func TestScheduleCmd_PrintsReminder(t *testing.T) {
	isolateHome(t)
	out, err := executeCmd(t, "schedule", "--plan", "Base Endurance", "--cron", "@every 1s", "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"Base Endurance" scheduled, next at`)
	assert.Contains(t, out, "Workout ready: Base Endurance")
}

func TestScheduleCmd_Errors(t *testing.T) {
	isolateHome(t)

	_, err := executeCmd(t, "schedule", "--cron", "@daily")
	assert.ErrorContains(t, err, "--plan is required")

	_, err = executeCmd(t, "schedule", "--plan", "Base Endurance")
	assert.ErrorContains(t, err, "--cron is required")

	_, err = executeCmd(t, "schedule", "--plan", "Base Endurance", "--cron", "whenever")
	assert.ErrorIs(t, err, workout.ErrInvalidSchedule)

	_, err = executeCmd(t, "schedule", "--plan", "No Such Plan", "--cron", "@daily")
	assert.ErrorIs(t, err, workout.ErrInvalidPlan)
}
