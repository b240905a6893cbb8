package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolLifecycle(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	_, ok := s.Spool("oams1", 0)
	assert.False(t, ok)

	s.SetSpool("oams1", 0, SpoolRecord{Material: "PLA", StartPercentage: 100})
	rec, ok := s.Spool("oams1", 0)
	require.True(t, ok)
	assert.Equal(t, "PLA", rec.Material)

	assert.Equal(t, 150, s.AddClicks("oams1", 0, 150))
	assert.Equal(t, 100, s.AddClicks("oams1", 0, -50))
	rec, _ = s.Spool("oams1", 0)
	assert.Equal(t, 100, rec.Clicks)

	s.ClearSpool("oams1", 0)
	_, ok = s.Spool("oams1", 0)
	assert.False(t, ok)
	assert.Equal(t, 0, s.AddClicks("oams1", 0, 10), "clicks on empty bay are discarded")
}

func TestPathClicks(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.Equal(t, 0, s.PathClicks("oams1"))
	s.SetPathClicks("oams1", 1840)
	assert.Equal(t, 1840, s.PathClicks("oams1"))
}

func TestSampleHistoryCap(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	rec := s.Recorder("oams1")

	for i := 0; i < SampleHistoryCap+50; i++ {
		rec.RecordSample(2, true, float64(i))
	}
	rec.RecordSample(2, false, 0.123)

	on, off := s.Samples("oams1", 2)
	require.Len(t, on, SampleHistoryCap)
	assert.Equal(t, 50.0, on[0], "oldest samples are dropped first")
	assert.Equal(t, float64(SampleHistoryCap+49), on[len(on)-1])
	require.Len(t, off, 1)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	s, err := Open(path)
	require.NoError(t, err)
	s.SetSpool("oams1", 1, SpoolRecord{Material: "ABS", StartPercentage: 80, Clicks: 42})
	s.SetPathClicks("oams1", 1754)
	s.Recorder("oams1").RecordSample(1, true, 0.9)
	require.NoError(t, s.Save())

	s2, err := Open(path)
	require.NoError(t, err)
	rec, ok := s2.Spool("oams1", 1)
	require.True(t, ok)
	assert.Equal(t, "ABS", rec.Material)
	assert.Equal(t, 80.0, rec.StartPercentage)
	assert.Equal(t, 42, rec.Clicks)
	assert.Equal(t, 1754, s2.PathClicks("oams1"))
	on, _ := s2.Samples("oams1", 1)
	assert.Equal(t, []float64{0.9}, on)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	_, ok := s.Spool("x", 0)
	assert.False(t, ok)
}
