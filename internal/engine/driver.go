package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"wipeline/internal/config"
	"wipeline/internal/domain"
)

// VerificationProbe decides whether a job's erasure verification passes.
type VerificationProbe interface {
	Verify(j domain.WipeJob) (pass bool, message string)
}

// StaticProbe always returns the same outcome. It is the default; real
// deployments replace it with a probe that reads the device.
type StaticProbe struct {
	Pass bool
}

func (p StaticProbe) Verify(domain.WipeJob) (bool, string) {
	if p.Pass {
		return true, ""
	}
	return false, "verification probe rejected the wipe"
}

// SeededProbe fails a deterministic fraction of verifications, for demos
// and failure-path testing.
type SeededProbe struct {
	rng         *rand.Rand
	FailureRate float64
}

func NewSeededProbe(seed int64, failureRate float64) *SeededProbe {
	return &SeededProbe{rng: rand.New(rand.NewSource(seed)), FailureRate: failureRate}
}

func (p *SeededProbe) Verify(domain.WipeJob) (bool, string) {
	if p.rng.Float64() < p.FailureRate {
		return false, "residual data detected during verification"
	}
	return true, ""
}

// ProbeFromConfig builds the configured probe.
func ProbeFromConfig(cfg *config.Config) VerificationProbe {
	if cfg.Verification.Probe == "seeded" {
		return NewSeededProbe(cfg.Verification.Seed, cfg.Verification.FailureRate)
	}
	pass := true
	if cfg.Verification.Pass != nil {
		pass = *cfg.Verification.Pass
	}
	return StaticProbe{Pass: pass}
}

// Driver advances jobs on a fixed cadence: Queued jobs start, Running jobs
// gain progress, Verifying jobs get probed. One Tick is one cadence step;
// Run loops Tick until the context ends.
type Driver struct {
	Engine *Engine
	Probe  VerificationProbe
	Log    zerolog.Logger

	rng *rand.Rand
}

func NewDriver(e *Engine, probe VerificationProbe, log zerolog.Logger) *Driver {
	return &Driver{
		Engine: e,
		Probe:  probe,
		Log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Driver) Run(ctx context.Context) {
	interval := d.Engine.Config.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Log.Info().Dur("interval", interval).Msg("progress driver started")
	for {
		select {
		case <-ctx.Done():
			d.Log.Info().Msg("progress driver stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.Log.Error().Err(err).Msg("driver tick failed")
			}
		}
	}
}

// Tick performs one driver step over all non-terminal jobs.
func (d *Driver) Tick(ctx context.Context) error {
	queued, err := d.Engine.Repo.ListJobsByStatus(ctx, domain.JobQueued)
	if err != nil {
		return err
	}
	for _, j := range queued {
		if _, err := d.Engine.StartJob(ctx, j.JobID, "system:driver"); err != nil {
			d.Log.Warn().Err(err).Str("job_id", j.JobID).Msg("driver start skipped")
		}
	}

	running, err := d.Engine.Repo.ListJobsByStatus(ctx, domain.JobRunning)
	if err != nil {
		return err
	}
	for _, j := range running {
		inc, speed := d.step(j)
		if _, err := d.Engine.AdvanceProgress(ctx, j.JobID, inc, speed); err != nil {
			d.Log.Warn().Err(err).Str("job_id", j.JobID).Msg("driver advance skipped")
		}
	}

	verifying, err := d.Engine.Repo.ListJobsByStatus(ctx, domain.JobVerifying)
	if err != nil {
		return err
	}
	for _, j := range verifying {
		pass, msg := d.Probe.Verify(j)
		if _, err := d.Engine.CompleteVerification(ctx, j.JobID, pass, msg, "system:driver"); err != nil {
			d.Log.Warn().Err(err).Str("job_id", j.JobID).Msg("driver verification skipped")
		}
	}
	return nil
}

// step computes one tick's progress increment and a synthetic throughput
// figure scaled by the target's device type.
func (d *Driver) step(j domain.WipeJob) (inc, speedMBps float64) {
	cfg := d.Engine.Config
	min, max := cfg.Driver.MinIncrement, cfg.Driver.MaxIncrement
	if max <= min {
		max = min + 1
	}
	inc = min + d.rng.Float64()*(max-min)
	scale := 1.0
	if j.Target.Device != nil {
		if s, ok := cfg.Driver.TypeSpeed[j.Target.Device.Type]; ok && s > 0 {
			scale = s
		}
	}
	inc *= scale
	speedMBps = 80 + inc*25
	return inc, speedMBps
}
