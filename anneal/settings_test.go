package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goanneal/pkg/config"
)

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps("# degas\n0.5 0.05 30m\n\n1.2 0.02 10m0s\n")
	require.NoError(t, err)
	assert.Equal(t, []config.StepConfig{
		{Current: 0.5, Rate: 0.05, Hold: 30 * time.Minute},
		{Current: 1.2, Rate: 0.02, Hold: 10 * time.Minute},
	}, steps)

	tests := []string{
		"",
		"# only comments",
		"1.0 0.05",
		"x 0.05 1m",
		"1.0 y 1m",
		"1.0 0.05 forever",
	}
	for _, text := range tests {
		_, err := parseSteps(text)
		assert.Error(t, err, "%q", text)
	}
}

func TestFormatSteps(t *testing.T) {
	steps := config.Default().Anneal.Steps
	text := formatSteps(steps)
	assert.Equal(t, "1 0.05 10m0s", text)

	parsed, err := parseSteps(text)
	require.NoError(t, err)
	assert.Equal(t, steps, parsed)
}
