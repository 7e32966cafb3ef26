package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPaginationResult(t *testing.T) {
	res := NewPaginationResult([]int{1, 2}, 5, 2, 2)
	assert.Equal(t, 3, res.TotalPages)
	assert.True(t, res.HasNextPage)
	assert.True(t, res.HasPreviousPage)

	empty := NewPaginationResult[int](nil, 0, 1, 50)
	assert.NotNil(t, empty.Items)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNextPage)
	assert.False(t, empty.HasPreviousPage)
}

func TestJob_IntervalAndCron(t *testing.T) {
	var j Job
	assert.False(t, j.HasCron())
	assert.Zero(t, j.Interval())

	expr := "*/5 * * * *"
	secs := 300
	j.CronExpr = &expr
	j.IntervalSecs = &secs
	assert.True(t, j.HasCron())
	assert.Equal(t, "5m0s", j.Interval().String())
}

func TestJobMessage_ContinuesChain(t *testing.T) {
	assert.False(t, (&JobMessage{}).ContinuesChain())
	assert.True(t, (&JobMessage{NextDelaySec: 300}).ContinuesChain())
	assert.True(t, TriggerAutoReschedule.Valid())
	assert.False(t, TriggerSource("cron").Valid())
	assert.True(t, ModeQueue.Valid())
	assert.False(t, RescheduleMode("").Valid())
}
