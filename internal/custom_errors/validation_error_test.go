package custom_errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_Empty(t *testing.T) {
	var v ValidationError
	assert.False(t, v.HasError())
	assert.Equal(t, "", v.Error())
	assert.NoError(t, v.OrNil())
}

func TestValidationError_Collects(t *testing.T) {
	var v ValidationError
	v.Add(errors.New("job_id is required"))
	v.Addf("interval_seconds must be >= %d", 5)

	require.True(t, v.HasError())
	assert.Equal(t, []string{"job_id is required", "interval_seconds must be >= 5"}, v.Messages())
	assert.Equal(t, "validation failed: job_id is required; interval_seconds must be >= 5", v.Error())

	err := v.OrNil()
	var target *ValidationError
	require.True(t, errors.As(err, &target))
	assert.Len(t, target.Errors, 2)
}
