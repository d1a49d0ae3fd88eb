// SPDX-License-Identifier: MPL-2.0

package history

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/internal/testutil"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

func sampleRun(id string, started time.Time, passed bool) *report.RunReport {
	verdict := report.VerdictPassed
	status := steprun.StatusPassed
	if !passed {
		verdict = report.VerdictFailed
		status = steprun.StatusFailed
	}
	return &report.RunReport{
		RunID:      id,
		Matrix:     "demo",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Environments: []report.EnvironmentReport{
			{
				Name: "min", Runtime: matrixfile.RuntimeContainer, Image: "python:3.12", Fingerprint: "abc123",
				Verdict: verdict, Details: []string{"optional step optional[0]:x failed (exit 1)"},
				StartedAt: started, Duration: 30 * time.Second,
				Steps: []steprun.StepResult{
					{Environment: "min", Phase: matrixfile.PhaseSetup, Name: "install", Command: "pip install .", Policy: matrixfile.PolicyFatal, Status: steprun.StatusPassed, Stdout: strings.Repeat("collecting\n", 200)},
					{Environment: "min", Phase: matrixfile.PhaseTest, Name: "pytest", Command: "pytest", Policy: matrixfile.PolicyFatal, Status: status, ExitCode: 1, Stderr: "E assert 1 == 2\n", Duration: 2 * time.Second},
				},
			},
			{Name: "full", Runtime: matrixfile.RuntimeNative, Fingerprint: "def456", Verdict: report.VerdictPassed},
		},
	}
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { testutil.MustClose(t, s) })
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	want := sampleRun("0b5c6a52-run", started, false)
	require.NoError(t, s.Save(t.Context(), want))

	got, err := s.Get(t.Context(), "0b5c6a52-run")
	require.NoError(t, err)

	assert.Equal(t, want.Matrix, got.Matrix)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	require.Len(t, got.Environments, 2)
	assert.Equal(t, "min", got.Environments[0].Name)
	assert.Equal(t, want.Environments[0].Details, got.Environments[0].Details)
	assert.Equal(t, 30*time.Second, got.Environments[0].Duration)

	steps := got.Environments[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, want.Environments[0].Steps[0].Stdout, steps[0].Stdout)
	assert.Equal(t, "E assert 1 == 2\n", steps[1].Stderr)
	assert.Equal(t, steprun.StatusFailed, steps[1].Status)
	assert.Equal(t, "test[0]:pytest", steps[1].ID())
	assert.Empty(t, got.Environments[1].Steps)
}

func TestStore_GetByPrefix(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(t.Context(), sampleRun("aaaa-1", now, true)))
	require.NoError(t, s.Save(t.Context(), sampleRun("aaab-2", now, true)))

	got, err := s.Get(t.Context(), "aaab")
	require.NoError(t, err)
	assert.Equal(t, "aaab-2", got.RunID)

	_, err = s.Get(t.Context(), "aaa")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.Get(t.Context(), "zzz")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = s.Get(t.Context(), "%")
	assert.ErrorIs(t, err, ErrRunNotFound, "LIKE wildcards are matched literally")
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(t.Context(), sampleRun("old", base, true)))
	require.NoError(t, s.Save(t.Context(), sampleRun("new", base.Add(500*time.Millisecond), false)))
	require.NoError(t, s.Save(t.Context(), sampleRun("mid", base.Add(100*time.Millisecond), true)))

	all, err := s.List(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})
	assert.False(t, all[0].Passed)
	assert.Equal(t, 1, all[0].Counts[report.VerdictFailed])
	assert.Equal(t, 1, all[0].Counts[report.VerdictPassed])

	limited, err := s.List(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].RunID)
}

func TestStore_SaveReplaces(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(t.Context(), sampleRun("r", now, false)))
	require.NoError(t, s.Save(t.Context(), sampleRun("r", now, true)))

	got, err := s.Get(t.Context(), "r")
	require.NoError(t, err)
	assert.Equal(t, report.VerdictPassed, got.Environments[0].Verdict)
	assert.Len(t, got.Environments[0].Steps, 2)
}

func TestStore_FileDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), sampleRun("r", time.Now(), true)))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer testutil.MustClose(t, reopened)
	runs, err := reopened.List(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, path, reopened.Path())
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Nil(t, compress(""))
	in := strings.Repeat("line of output\n", 1000)
	packed := compress(in)
	assert.Less(t, len(packed), len(in))
	out, err := decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
