package record

import (
	"testing"

	"github.com/itohio/goanneal/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Consume(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	want := testSamples(MaxBatch*2 + 5)
	ch := make(chan sample.Sample, len(want))
	for _, smp := range want {
		ch <- smp
	}
	close(ch)

	require.NoError(t, NewRecorder(s, nil).Consume(id, ch))

	got, err := s.Samples(id)
	require.NoError(t, err)
	assert.Len(t, got, len(want))
}

func TestRecorder_ConsumeAfterClose(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ch := make(chan sample.Sample)
	go func() {
		defer close(ch)
		for _, smp := range testSamples(10) {
			ch <- smp
		}
	}()

	// The channel is drained even though writing fails
	err = NewRecorder(s, nil).Consume(id, ch)
	assert.Error(t, err)
}
