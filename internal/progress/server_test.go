// SPDX-License-Identifier: MPL-2.0

package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/internal/testutil"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

func newAggregator(t *testing.T, listeners ...report.Listener) *report.Aggregator {
	t.Helper()
	agg := report.NewAggregator([]matrixfile.Environment{
		{Name: "alpine", Runtime: matrixfile.RuntimeContainer, Image: "alpine:3"},
		{Name: "host", Runtime: matrixfile.RuntimeNative},
	}, report.Options{RunID: "run-1", Matrix: "envmatrix.cue", Listeners: listeners})
	t.Cleanup(func() { agg.Close() })
	return agg
}

func newServer(t *testing.T, src Source) *Server {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0"}, src, log.New(io.Discard))
	t.Cleanup(func() { testutil.MustStop(t, s) })
	return s
}

func TestServer_Lifecycle(t *testing.T) {
	t.Parallel()

	s := newServer(t, newAggregator(t))
	assert.Equal(t, StateCreated, s.State())
	assert.Empty(t, s.URL())

	require.NoError(t, s.Start(t.Context()))
	assert.Equal(t, StateRunning, s.State())
	assert.NotEmpty(t, s.URL())

	err := s.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start server in state running")

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop())

	_, open := <-s.Err()
	assert.False(t, open)
}

func TestServer_StopBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newAggregator(t), log.New(io.Discard))
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	require.Error(t, s.Start(t.Context()))
}

func TestServer_StartWithCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	s := newServer(t, newAggregator(t))
	err := s.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, err, s.LastError())
}

func TestServer_ListenFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })

	s := New(Config{Addr: busy.Addr().String()}, newAggregator(t), log.New(io.Discard))
	err = s.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.Equal(t, StateFailed, s.State())
}

func TestServer_Endpoints(t *testing.T) {
	t.Parallel()

	applied := make(chan report.Event, 2)
	agg := newAggregator(t, func(e report.Event) { applied <- e })
	agg.Start("alpine")
	agg.Step(steprun.StepResult{
		Environment: "alpine",
		Phase:       matrixfile.PhaseTest,
		Name:        "unit",
		Command:     "go test ./...",
		Status:      steprun.StatusPassed,
	})
	<-applied
	<-applied

	s := newServer(t, agg)
	require.NoError(t, s.Start(t.Context()))

	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, s.URL()+path, http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	t.Run("healthz", func(t *testing.T) {
		resp, body := get("/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok","state":"running"}`, string(body))
	})

	t.Run("report", func(t *testing.T) {
		resp, body := get("/report")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var r report.RunReport
		require.NoError(t, json.Unmarshal(body, &r))
		assert.Equal(t, "run-1", r.RunID)
		require.Len(t, r.Environments, 2)
	})

	t.Run("environment", func(t *testing.T) {
		_, body := get("/environments/alpine")
		var env report.EnvironmentReport
		require.NoError(t, json.Unmarshal(body, &env))
		assert.Equal(t, report.VerdictRunning, env.Verdict)
		require.Len(t, env.Steps, 1)
		assert.Equal(t, "unit", env.Steps[0].Name)
	})

	t.Run("unknown environment", func(t *testing.T) {
		resp, body := get("/environments/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, string(body), "unknown environment nope")
	})
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newAggregator(t), log.New(io.Discard))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/report", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestState(t *testing.T) {
	t.Parallel()

	for s := StateCreated; s <= StateFailed; s++ {
		assert.NoError(t, s.Validate())
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.True(t, StateStopped.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())

	err := State(42).Validate()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "unknown", State(42).String())
}
