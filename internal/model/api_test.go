package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/docpipeline/internal/model"
)

func TestValidateLimit_Boundaries(t *testing.T) {
	ve := model.NewValidationError()
	model.ValidateLimit(ve, ".limit", 1)
	model.ValidateLimit(ve, ".limit", 500)
	assert.True(t, ve.Empty(), "1 and 500 should be accepted")
}

func TestValidateLimit_RejectsOutOfRange(t *testing.T) {
	ve := model.NewValidationError()
	model.ValidateLimit(ve, ".limit", 0)
	require.False(t, ve.Empty())
	assert.Contains(t, ve.Fields, ".limit")

	ve = model.NewValidationError()
	model.ValidateLimit(ve, ".limit", 501)
	require.False(t, ve.Empty())
}

func TestValidateOffset_RejectsNegative(t *testing.T) {
	ve := model.NewValidationError()
	model.ValidateOffset(ve, ".offset", -1)
	require.False(t, ve.Empty())
	assert.Contains(t, ve.Fields, ".offset")
}

func TestValidateOffset_AcceptsZero(t *testing.T) {
	ve := model.NewValidationError()
	model.ValidateOffset(ve, ".offset", 0)
	assert.True(t, ve.Empty())
}

func TestFieldErrors_AccumulatesMultiple(t *testing.T) {
	ve := model.NewValidationError()
	model.ValidateLimit(ve, ".limit", 0)
	model.ValidateOffset(ve, ".offset", -1)
	require.Len(t, ve.Fields, 2)
	assert.Contains(t, ve.Fields, ".limit")
	assert.Contains(t, ve.Fields, ".offset")
}
