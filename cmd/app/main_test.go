package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStages(t *testing.T) {
	got, err := parseStages("0, 1,2,3")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	got, err = parseStages("3")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got)

	_, err = parseStages("4")
	assert.Error(t, err)
	_, err = parseStages("a")
	assert.Error(t, err)
	_, err = parseStages("")
	assert.Error(t, err)
}

func TestContainsStage(t *testing.T) {
	assert.True(t, containsStage([]int{0, 3}, 3))
	assert.False(t, containsStage([]int{0, 3}, 2))
}
