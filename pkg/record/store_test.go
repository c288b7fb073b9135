package record

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/itohio/goanneal/pkg/anneal"
	"github.com/itohio/goanneal/pkg/gauge"
	"github.com/itohio/goanneal/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecipe() anneal.Recipe {
	return anneal.Recipe{
		Steps: []anneal.Step{
			{Current: 1.5, Rate: 0.05, Hold: 10 * time.Minute},
			{Current: 0.5, Rate: 0.1, Hold: 30 * time.Second},
		},
		CooldownRate: 0.02,
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testSamples(n int) []sample.Sample {
	out := make([]sample.Sample, n)
	for i := range out {
		out[i] = sample.Sample{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Phase:     sample.PhaseRamp,
			Step:      0,
			Setpoint:  float64(i) * 0.1,
			Current:   float64(i) * 0.1,
			Voltage:   float64(i) * 0.08,
			Pressure:  1e-10 * float64(i+1),
			Status:    gauge.StatusOK,
		}
	}
	return out
}

func TestStore_CreateRun(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, OutcomeRunning, run.Outcome)
	assert.Equal(t, testRecipe(), run.Recipe)
	assert.True(t, run.Finished.IsZero())
	assert.WithinDuration(t, time.Now(), run.Started, time.Minute)
}

func TestStore_AppendAndSamples(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	want := testSamples(5)
	require.NoError(t, s.Append(id, want[0]))
	require.NoError(t, s.AppendBatch(id, want[1:]))

	got, err := s.Samples(id)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
		got[i].Timestamp = want[i].Timestamp
		assert.Equal(t, want[i], got[i])
	}

	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, 5, run.Samples)
}

func TestStore_Finish(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)

	require.NoError(t, s.Finish(id, OutcomeTripped))
	run, err := s.Run(id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTripped, run.Outcome)
	assert.False(t, run.Finished.IsZero())

	assert.ErrorIs(t, s.Finish(id+100, OutcomeDone), ErrRunNotFound)
}

func TestStore_Runs(t *testing.T) {
	s := openTestStore(t)

	runs, err := s.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.CreateRun(testRecipe())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err = s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)
}

func TestStore_UnknownRun(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Run(42)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.Samples(42)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.ExportCSV(42, &bytes.Buffer{}), ErrRunNotFound)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anneal.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)
	require.NoError(t, s.AppendBatch(id, testSamples(3)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Samples(id)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStore_ExportCSV(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateRun(testRecipe())
	require.NoError(t, err)
	require.NoError(t, s.AppendBatch(id, testSamples(3)))

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(id, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, CSVHeader, records[0])

	row := records[3]
	assert.Equal(t, "2024-03-01T12:00:02Z", row[0])
	assert.Equal(t, "2.000", row[1])
	assert.Equal(t, "ramp", row[2])
	assert.Equal(t, "0.2", row[4])
	assert.Equal(t, "3e-10", row[8])
	assert.Equal(t, "ok", row[9])
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeDone},
		{fmt.Errorf("x: %w", anneal.ErrPressureTrip), OutcomeTripped},
		{context.Canceled, OutcomeCancelled},
		{context.DeadlineExceeded, OutcomeCancelled},
		{errors.New("usb"), OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeOf(tt.err), "%v", tt.err)
	}
}
