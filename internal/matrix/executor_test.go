// SPDX-License-Identifier: MPL-2.0

package matrix

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/provision"
	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// trackingRuntime runs steps with the virtual runtime, counts Destroy calls
// per environment and turns the script "infra" into a substrate fault.
type trackingRuntime struct {
	*runtime.VirtualRuntime
	mu       sync.Mutex
	releases map[string]int
}

func newTrackingRuntime() *trackingRuntime {
	return &trackingRuntime{VirtualRuntime: runtime.NewVirtualRuntime(nil), releases: map[string]int{}}
}

func (r *trackingRuntime) Start(ctx context.Context, req runtime.StartRequest) (runtime.Instance, error) {
	inst, err := r.VirtualRuntime.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return &trackingInstance{Instance: inst, env: req.Environment.Name, rt: r}, nil
}

func (r *trackingRuntime) count(env string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases[env]
}

type trackingInstance struct {
	runtime.Instance
	env string
	rt  *trackingRuntime
}

func (i *trackingInstance) Exec(ctx context.Context, cmd runtime.Command) *runtime.Result {
	if cmd.Script == "infra" {
		return &runtime.Result{ExitCode: -1, Error: &runtime.InfrastructureError{Environment: i.env, Op: "exec", Cause: errors.New("substrate lost")}}
	}
	return i.Instance.Exec(ctx, cmd)
}

func (i *trackingInstance) Destroy(ctx context.Context) error {
	i.rt.mu.Lock()
	i.rt.releases[i.env]++
	i.rt.mu.Unlock()
	return i.Instance.Destroy(ctx)
}

func run(scripts ...string) []matrixfile.Step {
	out := make([]matrixfile.Step, len(scripts))
	for i, s := range scripts {
		out[i] = matrixfile.Step{Run: s}
	}
	return out
}

func virtualEnv(name string, setup, test []matrixfile.Step) matrixfile.Environment {
	return matrixfile.Environment{Name: name, Runtime: matrixfile.RuntimeVirtual, Setup: setup, Test: test}
}

type harness struct {
	rt       *trackingRuntime
	executor *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rt := newTrackingRuntime()
	reg := runtime.NewRegistry()
	reg.Register(matrixfile.RuntimeVirtual, rt)
	runner := steprun.New(steprun.WithGracePeriod(50 * time.Millisecond))
	p := provision.New(reg, runner, provision.Config{BaseDir: t.TempDir(), RunID: "test", Backoff: time.Millisecond}, nil)
	return &harness{rt: rt, executor: New(p, runner, nil)}
}

func (h *harness) run(t *testing.T, m *matrixfile.Matrix, opts Options, strict bool) *report.RunReport {
	t.Helper()
	envs, err := Plan(m, opts)
	require.NoError(t, err)
	agg := report.NewAggregator(envs, report.Options{Matrix: m.Name, StrictOptional: strict, IncludeOptional: opts.IncludeOptional})
	require.NoError(t, h.executor.Run(t.Context(), m, agg, opts))
	return agg.Close()
}

func verdicts(r *report.RunReport) map[string]report.Verdict {
	out := make(map[string]report.Verdict)
	for _, env := range r.Environments {
		out[env.Name] = env.Verdict
	}
	return out
}

func TestRun_MinFailsFullPasses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("min", run("true"), run("exit 1")),
		virtualEnv("full", run("true"), run("true", "echo ok")),
	}}

	r := h.run(t, m, Options{Concurrency: 2}, false)
	assert.Equal(t, map[string]report.Verdict{"min": report.VerdictFailed, "full": report.VerdictPassed}, verdicts(r))
	assert.Equal(t, 1, r.ExitCode())
	assert.Equal(t, 1, h.rt.count("min"))
	assert.Equal(t, 1, h.rt.count("full"))
}

func TestRun_FatalSetupSkipsTests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	marker := filepath.Join(t.TempDir(), "test-ran")
	env := virtualEnv("e", run("exit 3"), run("echo x > "+marker, "true"))
	env.Optional = run("echo x > " + marker)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{env}}

	r := h.run(t, m, Options{IncludeOptional: true}, false)
	env := r.Environments[0]
	assert.Equal(t, report.VerdictFailed, env.Verdict)
	assert.NoFileExists(t, marker, "no test or optional step may be attempted")

	tests := env.StepsIn(matrixfile.PhaseTest)
	require.Len(t, tests, 2)
	for _, s := range slices.Concat(tests, env.StepsIn(matrixfile.PhaseOptional)) {
		assert.Equal(t, steprun.StatusSkipped, s.Status, s.ID())
		assert.Equal(t, steprun.ReasonFatalAbort, s.Reason, s.ID())
	}
	assert.Len(t, env.StepsIn(matrixfile.PhaseOptional), 1)
	assert.Equal(t, 1, h.rt.count("e"))
}

func TestRun_FatalTestSkipsOptionalTier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	marker := filepath.Join(t.TempDir(), "optional-ran")
	env := virtualEnv("e", nil, run("exit 1"))
	env.Optional = run("echo x > " + marker)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{env}}

	r := h.run(t, m, Options{IncludeOptional: true}, false)
	got := r.Environments[0]
	assert.Equal(t, report.VerdictFailed, got.Verdict)
	assert.NoFileExists(t, marker)
	optional := got.StepsIn(matrixfile.PhaseOptional)
	require.Len(t, optional, 1)
	assert.Equal(t, steprun.StatusSkipped, optional[0].Status)
	assert.Equal(t, steprun.ReasonFatalAbort, optional[0].Reason)
}

func TestRun_ContinuePolicyFailureSkipsOptionalTier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	marker := filepath.Join(t.TempDir(), "optional-ran")
	env := virtualEnv("e", nil, []matrixfile.Step{
		{Name: "flaky", Run: "exit 1", OnFailure: matrixfile.PolicyContinue},
		{Name: "after", Run: "true"},
	})
	env.Optional = run("echo x > " + marker)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{env}}

	r := h.run(t, m, Options{IncludeOptional: true}, false)
	got := r.Environments[0]
	assert.Equal(t, report.VerdictFailed, got.Verdict)

	tests := got.StepsIn(matrixfile.PhaseTest)
	require.Len(t, tests, 2)
	assert.Equal(t, steprun.StatusFailed, tests[0].Status)
	assert.Equal(t, steprun.StatusPassed, tests[1].Status, "continue policy keeps running the phase")

	assert.NoFileExists(t, marker, "optional tier must not run after a failed test step")
	optional := got.StepsIn(matrixfile.PhaseOptional)
	require.Len(t, optional, 1)
	assert.Equal(t, steprun.StatusSkipped, optional[0].Status)
	assert.Equal(t, steprun.ReasonTestsFailed, optional[0].Reason)
}

func TestRun_StartFailureListsSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		{Name: "broken", Runtime: matrixfile.RuntimeNative, Test: run("true", "true")},
	}}

	r := h.run(t, m, Options{}, false)
	env := r.Environments[0]
	assert.Equal(t, report.VerdictErrored, env.Verdict)
	tests := env.StepsIn(matrixfile.PhaseTest)
	require.Len(t, tests, 2)
	for _, s := range tests {
		assert.Equal(t, steprun.StatusSkipped, s.Status)
		assert.Equal(t, steprun.ReasonNotProvisioned, s.Reason)
	}
}

func TestRun_InfrastructureFaultSkipsRest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("e", nil, run("true", "infra", "true")),
	}}

	r := h.run(t, m, Options{}, false)
	env := r.Environments[0]
	assert.Equal(t, report.VerdictErrored, env.Verdict)
	tests := env.StepsIn(matrixfile.PhaseTest)
	require.Len(t, tests, 3)
	assert.Equal(t, steprun.StatusPassed, tests[0].Status)
	assert.Equal(t, steprun.StatusErrored, tests[1].Status)
	assert.Equal(t, steprun.StatusSkipped, tests[2].Status)
	assert.Equal(t, steprun.ReasonFatalAbort, tests[2].Reason)
}

func TestRun_OptionalTier(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		include bool
		strict  bool
		want    report.Verdict
		ran     bool
	}{
		{name: "excluded", include: false, want: report.VerdictPassed},
		{name: "lenient", include: true, want: report.VerdictPassed, ran: true},
		{name: "strict", include: true, strict: true, want: report.VerdictFailed, ran: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			env := virtualEnv("e", nil, run("true"))
			env.Optional = run("exit 2")
			m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{env}}

			r := h.run(t, m, Options{IncludeOptional: tt.include}, tt.strict)
			got := r.Environments[0]
			assert.Equal(t, tt.want, got.Verdict)
			assert.Equal(t, tt.ran, len(got.StepsIn(matrixfile.PhaseOptional)) == 1)
		})
	}
}

func TestRun_ReleaseExactlyOnceOnEveryPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	slow := virtualEnv("slow", nil, run("sleep 10"))
	slow.Timeout = "200ms"
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("ok", nil, run("true")),
		virtualEnv("fail", nil, run("false")),
		virtualEnv("infra", nil, run("infra")),
		slow,
	}}

	r := h.run(t, m, Options{}, false)
	assert.Equal(t, map[string]report.Verdict{
		"ok":    report.VerdictPassed,
		"fail":  report.VerdictFailed,
		"infra": report.VerdictErrored,
		"slow":  report.VerdictTimedOut,
	}, verdicts(r))
	for _, name := range []string{"ok", "fail", "infra", "slow"} {
		assert.Equal(t, 1, h.rt.count(name), name)
	}
}

func TestRun_TimeoutDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("slow", nil, run("sleep 30")),
		virtualEnv("fast", nil, run("true")),
	}}

	start := time.Now()
	r := h.run(t, m, Options{Timeout: 300 * time.Millisecond, GracePeriod: 100 * time.Millisecond}, false)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, report.VerdictTimedOut, verdicts(r)["slow"])
	assert.Equal(t, report.VerdictPassed, verdicts(r)["fast"])
}

func TestRun_FailFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	broken := matrixfile.Environment{Name: "broken", Runtime: matrixfile.RuntimeNative, Test: run("true")}
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		broken,
		virtualEnv("later", nil, run("true")),
		virtualEnv("last", nil, run("true")),
	}}

	r := h.run(t, m, Options{Concurrency: 1, FailFast: true}, false)
	got := verdicts(r)
	assert.Equal(t, report.VerdictErrored, got["broken"])
	for _, name := range []string{"later", "last"} {
		env, ok := r.Environment(name)
		require.True(t, ok)
		assert.Equal(t, report.VerdictErrored, env.Verdict, name)
		assert.Equal(t, ReasonNotStarted, env.Reason, name)
		assert.Zero(t, h.rt.count(name), "never provisioned")
	}
}

func TestRun_IsolationWithoutFailFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		{Name: "broken", Runtime: matrixfile.RuntimeNative, Test: run("true")},
		virtualEnv("fine", nil, run("true")),
	}}

	r := h.run(t, m, Options{Concurrency: 1}, false)
	assert.Equal(t, report.VerdictErrored, verdicts(r)["broken"])
	assert.Equal(t, report.VerdictPassed, verdicts(r)["fine"])
}

func TestRun_Subset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("a", nil, run("true")),
		virtualEnv("b", nil, run("true")),
	}}

	r := h.run(t, m, Options{Environments: []string{"b"}}, false)
	require.Len(t, r.Environments, 1)
	assert.Equal(t, "b", r.Environments[0].Name)

	err := h.executor.Run(t.Context(), m, report.NewAggregator(nil, report.Options{}), Options{Environments: []string{"zzz"}})
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestRun_UserCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	m := &matrixfile.Matrix{Name: "demo", Environments: []matrixfile.Environment{
		virtualEnv("a", nil, run("sleep 30")),
	}}
	envs, err := Plan(m, Options{})
	require.NoError(t, err)
	agg := report.NewAggregator(envs, report.Options{})

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, h.executor.Run(ctx, m, agg, Options{GracePeriod: 50 * time.Millisecond}))

	r := agg.Close()
	assert.Equal(t, report.VerdictErrored, r.Environments[0].Verdict)
	assert.Equal(t, "cancelled", r.Environments[0].Reason)
	assert.Equal(t, 1, h.rt.count("a"))
}
