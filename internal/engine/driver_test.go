package engine_test

import (
	"testing"

	"github.com/rs/zerolog"

	"wipeline/internal/domain"
	"wipeline/internal/engine"
)

func tickUntilTerminal(t *testing.T, env testEnv, d *engine.Driver, jobID string) domain.WipeJob {
	t.Helper()
	for i := 0; i < 60; i++ {
		if err := d.Tick(env.Ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		j, err := env.Engine.Repo.GetJob(env.Ctx, jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if domain.TerminalStatus(j.Status) {
			return j
		}
	}
	t.Fatalf("job did not reach a terminal state")
	return domain.WipeJob{}
}

func TestDriverCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	dev := registerTestDevice(t, env, "SER-DRV-OK")
	j := createTestJob(t, env, dev.ID)

	drv := engine.NewDriver(env.Engine, engine.StaticProbe{Pass: true}, zerolog.Nop())

	// first tick starts the queued job
	if err := drv.Tick(env.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, j.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobRunning {
		t.Fatalf("status after first tick = %s, want Running", got.Status)
	}

	got = tickUntilTerminal(t, env, drv, j.JobID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("final status = %s, want Completed", got.Status)
	}
	if _, err := env.Engine.Repo.GetCertificateByJob(env.Ctx, j.JobID); err != nil {
		t.Fatalf("certificate: %v", err)
	}
}

func TestDriverFailedVerification(t *testing.T) {
	env := newTestEnv(t)
	dev := registerTestDevice(t, env, "SER-DRV-FAIL")
	j := createTestJob(t, env, dev.ID)

	drv := engine.NewDriver(env.Engine, engine.StaticProbe{Pass: false}, zerolog.Nop())
	got := tickUntilTerminal(t, env, drv, j.JobID)
	if got.Status != domain.JobFailed {
		t.Fatalf("final status = %s, want Failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("failed job has no error message")
	}
}

func TestSeededProbeDeterministic(t *testing.T) {
	a := engine.NewSeededProbe(42, 0.5)
	b := engine.NewSeededProbe(42, 0.5)
	for i := 0; i < 20; i++ {
		passA, _ := a.Verify(domain.WipeJob{})
		passB, _ := b.Verify(domain.WipeJob{})
		if passA != passB {
			t.Fatalf("probes diverged at step %d", i)
		}
	}
}
