package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wipeline/internal/config"
	"wipeline/internal/db"
	"wipeline/internal/domain"
	"wipeline/internal/engine"
	"wipeline/internal/migrate"
	"wipeline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func registerTestDevice(t *testing.T, env testEnv, serial string) domain.Device {
	t.Helper()
	d, err := env.Engine.RegisterDevice(env.Ctx, domain.Device{
		Path:   "/dev/sdb",
		Type:   "NVMe SSD",
		Model:  "Samsung 990 Pro",
		Serial: serial,
		Size:   "2 TB",
	}, "tester")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	return d
}

func createTestJob(t *testing.T, env testEnv, deviceID string) domain.WipeJob {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		DeviceID:   deviceID,
		PolicyName: "Secure Erase",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func runToVerifying(t *testing.T, env testEnv, jobID string) domain.WipeJob {
	t.Helper()
	if _, err := env.Engine.StartJob(env.Ctx, jobID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err := env.Engine.AdvanceProgress(env.Ctx, jobID, 100, 450)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if j.Status != domain.JobRunning || j.Progress != 100 {
		t.Fatalf("job after filling advance = %s at %.1f, want Running at 100", j.Status, j.Progress)
	}
	j, err = env.Engine.AdvanceProgress(env.Ctx, jobID, 0, 0)
	if err != nil {
		t.Fatalf("advance past full: %v", err)
	}
	if j.Status != domain.JobVerifying {
		t.Fatalf("status = %s, want Verifying", j.Status)
	}
	return j
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "S7KDNU0X123")
	j := createTestJob(t, env, d.ID)

	if j.Status != domain.JobQueued {
		t.Fatalf("new job status = %s, want Queued", j.Status)
	}
	if !strings.HasPrefix(j.JobID, "JOB-") {
		t.Fatalf("job id %q lacks JOB- prefix", j.JobID)
	}
	if j.Target.Device == nil || j.Target.Device.Serial != "S7KDNU0X123" {
		t.Fatalf("job missing device snapshot: %+v", j.Target)
	}

	j = runToVerifying(t, env, j.JobID)
	if j.StartedAt == nil {
		t.Fatalf("started_at not set")
	}

	j, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want Completed", j.Status)
	}
	if j.EndedAt == nil {
		t.Fatalf("ended_at not set")
	}

	cert, err := env.Engine.Repo.GetCertificateByJob(env.Ctx, j.JobID)
	if err != nil {
		t.Fatalf("certificate not issued: %v", err)
	}
	if !strings.HasPrefix(cert.CertificateID, "CERT-20240101-") {
		t.Fatalf("certificate id = %q", cert.CertificateID)
	}
	if cert.VerificationResult != domain.VerificationPass {
		t.Fatalf("verification result = %q", cert.VerificationResult)
	}
	if cert.DeviceSerial != "S7KDNU0X123" || cert.WipeMethod != "Secure Erase" {
		t.Fatalf("certificate facts wrong: %+v", cert)
	}
	if cert.LogHash == "" {
		t.Fatalf("log hash empty")
	}
}

func TestDeviceExclusivity(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-EXCL")
	j := createTestJob(t, env, d.ID)

	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		DeviceID:   d.ID,
		PolicyName: "Secure Erase",
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrDeviceBusy) {
		t.Fatalf("second job err = %v, want ErrDeviceBusy", err)
	}

	if _, err := env.Engine.CancelJob(env.Ctx, j.JobID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		DeviceID:   d.ID,
		PolicyName: "Secure Erase",
		ActorID:    "tester",
	}); err != nil {
		t.Fatalf("job after cancel: %v", err)
	}
}

func TestProtectedDevice(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-PROT")
	if _, err := env.Engine.SetDeviceStatus(env.Ctx, d.ID, domain.DeviceProtected, "tester"); err != nil {
		t.Fatalf("protect: %v", err)
	}
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		DeviceID:   d.ID,
		PolicyName: "Secure Erase",
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrProtectedDevice) {
		t.Fatalf("err = %v, want ErrProtectedDevice", err)
	}
}

func TestMountStateLeavesProtectedAlone(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-MOUNT")
	if _, err := env.Engine.SetMountState(env.Ctx, d.ID, domain.DeviceMounted, "tester"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := env.Engine.SetDeviceStatus(env.Ctx, d.ID, domain.DeviceProtected, "tester"); err != nil {
		t.Fatalf("protect: %v", err)
	}
	_, err := env.Engine.SetMountState(env.Ctx, d.ID, domain.DeviceUnmounted, "tester")
	if !errors.Is(err, engine.ErrProtectedDevice) {
		t.Fatalf("unmount protected err = %v, want ErrProtectedDevice", err)
	}
	// explicit unprotect still works
	got, err := env.Engine.SetDeviceStatus(env.Ctx, d.ID, domain.DeviceUnmounted, "tester")
	if err != nil {
		t.Fatalf("unprotect: %v", err)
	}
	if got.Status != domain.DeviceUnmounted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDuplicateSerial(t *testing.T) {
	env := newTestEnv(t)
	registerTestDevice(t, env, "SER-DUP")
	_, err := env.Engine.RegisterDevice(env.Ctx, domain.Device{
		Path:   "/dev/sdc",
		Type:   "HDD",
		Model:  "WD Red",
		Serial: "SER-DUP",
		Size:   "4 TB",
	}, "tester")
	if !errors.Is(err, engine.ErrDuplicateSerial) {
		t.Fatalf("err = %v, want ErrDuplicateSerial", err)
	}
}

func TestUnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-POL")
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		DeviceID:   d.ID,
		PolicyName: "Gutmann 35-pass",
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrUnknownPolicy) {
		t.Fatalf("err = %v, want ErrUnknownPolicy", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-TRANS")
	j := createTestJob(t, env, d.ID)

	// cannot advance a Queued job
	_, err := env.Engine.AdvanceProgress(env.Ctx, j.JobID, 10, 100)
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("advance on Queued err = %v, want InvalidTransitionError", err)
	}

	// cannot verify a Queued job
	_, err = env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester")
	if !errors.As(err, &te) {
		t.Fatalf("verify on Queued err = %v, want InvalidTransitionError", err)
	}

	// cannot cancel a terminal job
	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = env.Engine.CancelJob(env.Ctx, j.JobID, "tester")
	if !errors.As(err, &te) {
		t.Fatalf("cancel terminal err = %v, want InvalidTransitionError", err)
	}

	// cannot start a Completed job
	_, err = env.Engine.StartJob(env.Ctx, j.JobID, "tester")
	if !errors.As(err, &te) {
		t.Fatalf("start terminal err = %v, want InvalidTransitionError", err)
	}
}

func TestRetryResetsFailedJob(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-RETRY")
	j := createTestJob(t, env, d.ID)
	runToVerifying(t, env, j.JobID)

	j, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, false, "residual data in sector 42", "tester")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if j.Status != domain.JobFailed || j.ErrorMessage == "" {
		t.Fatalf("job = %+v, want Failed with message", j)
	}

	j, err = env.Engine.RetryJob(env.Ctx, j.JobID, "tester")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if j.Status != domain.JobQueued {
		t.Fatalf("status = %s, want Queued", j.Status)
	}
	if j.Progress != 0 || j.ErrorMessage != "" || j.StartedAt != nil || j.EndedAt != nil {
		t.Fatalf("retry did not reset job: %+v", j)
	}

	logs, err := env.Engine.Repo.ListJobLogs(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs after retry = %d lines, want 1", len(logs))
	}

	// only Failed jobs can be retried
	_, err = env.Engine.RetryJob(env.Ctx, j.JobID, "tester")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("retry on Queued err = %v, want InvalidTransitionError", err)
	}
	if te.From != domain.JobQueued || te.To != domain.JobQueued {
		t.Fatalf("transition error = %+v", te)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-MONO")
	j := createTestJob(t, env, d.ID)
	if _, err := env.Engine.StartJob(env.Ctx, j.JobID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err := env.Engine.AdvanceProgress(env.Ctx, j.JobID, 50, 300)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if j.Progress != 50 {
		t.Fatalf("progress = %.1f, want 50", j.Progress)
	}

	if _, err := env.Engine.AdvanceProgress(env.Ctx, j.JobID, -30, 300); err == nil {
		t.Fatalf("negative increment accepted")
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, j.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Progress != 50 {
		t.Fatalf("progress moved to %.1f after rejected delta", got.Progress)
	}

	// a zero increment is a no-op tick, not an ETA blow-up
	got, err = env.Engine.AdvanceProgress(env.Ctx, j.JobID, 0, 300)
	if err != nil {
		t.Fatalf("zero advance: %v", err)
	}
	if got.Progress != 50 || got.ETASeconds != nil {
		t.Fatalf("after zero advance: progress=%.1f eta=%v", got.Progress, got.ETASeconds)
	}
}

func TestFullBarRestsBeforeVerifying(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-REST")
	j := createTestJob(t, env, d.ID)
	if _, err := env.Engine.StartJob(env.Ctx, j.JobID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err := env.Engine.AdvanceProgress(env.Ctx, j.JobID, 120, 400)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if j.Status != domain.JobRunning || j.Progress != 100 {
		t.Fatalf("job = %s at %.1f, want Running at 100", j.Status, j.Progress)
	}
	j, err = env.Engine.AdvanceProgress(env.Ctx, j.JobID, 5, 400)
	if err != nil {
		t.Fatalf("advance past full: %v", err)
	}
	if j.Status != domain.JobVerifying || j.Progress != 100 {
		t.Fatalf("job = %s at %.1f, want Verifying at 100", j.Status, j.Progress)
	}
}

func TestIssueIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-ISSUE")
	j := createTestJob(t, env, d.ID)

	// not completed yet
	_, err := env.Engine.Issue(env.Ctx, j.JobID, "tester")
	if !errors.Is(err, engine.ErrJobNotEligible) {
		t.Fatalf("issue on Queued err = %v, want ErrJobNotEligible", err)
	}

	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	first, err := env.Engine.Issue(env.Ctx, j.JobID, "tester")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := env.Engine.Issue(env.Ctx, j.JobID, "tester")
	if err != nil {
		t.Fatalf("re-issue: %v", err)
	}
	if first.CertificateID != second.CertificateID || first.LogHash != second.LogHash {
		t.Fatalf("re-issue changed certificate: %s vs %s", first.CertificateID, second.CertificateID)
	}
	certs, err := env.Engine.Repo.ListCertificates(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list certificates: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("certificates = %d, want 1", len(certs))
	}
}

func TestCertificateDailySequence(t *testing.T) {
	env := newTestEnv(t)
	for i, serial := range []string{"SER-SEQ-1", "SER-SEQ-2"} {
		d := registerTestDevice(t, env, serial)
		j := createTestJob(t, env, d.ID)
		runToVerifying(t, env, j.JobID)
		if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	c1, err := env.Engine.Repo.GetCertificate(env.Ctx, "CERT-20240101-001")
	if err != nil {
		t.Fatalf("first certificate: %v", err)
	}
	c2, err := env.Engine.Repo.GetCertificate(env.Ctx, "CERT-20240101-002")
	if err != nil {
		t.Fatalf("second certificate: %v", err)
	}
	if c1.JobID == c2.JobID {
		t.Fatalf("certificates share a job")
	}
}

func TestFileTargetJob(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		File:       &domain.FileTarget{Name: "payroll-2023.xlsx", Size: "48 MB", Type: "spreadsheet"},
		PolicyName: "Standard (3-pass)",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create file job: %v", err)
	}
	if j.Target.Kind() != domain.TargetFile {
		t.Fatalf("kind = %s, want file", j.Target.Kind())
	}
	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cert, err := env.Engine.Repo.GetCertificateByJob(env.Ctx, j.JobID)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if cert.FileName != "payroll-2023.xlsx" || cert.DeviceSerial != "" {
		t.Fatalf("certificate facts: %+v", cert)
	}
	if cert.WipePasses == nil || *cert.WipePasses != 3 {
		t.Fatalf("wipe passes = %v, want 3", cert.WipePasses)
	}
}

func TestLogHashMatchesCertificate(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-HASH")
	j := createTestJob(t, env, d.ID)
	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cert, err := env.Engine.Repo.GetCertificateByJob(env.Ctx, j.JobID)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	logs, err := env.Engine.Repo.ListJobLogs(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	// the hash covers lines written before issuance; the issuance line
	// itself is appended after
	var sealed []domain.LogLine
	for _, l := range logs {
		if strings.HasPrefix(l.Line, "Certificate issued") {
			continue
		}
		sealed = append(sealed, l)
	}
	if got := engine.LogHash(sealed); got != cert.LogHash {
		t.Fatalf("recomputed hash %s != certificate hash %s", got, cert.LogHash)
	}
}

func TestVerifyCertificatePublicLookup(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-VERIFY")
	j := createTestJob(t, env, d.ID)
	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cert, _ := env.Engine.Repo.GetCertificateByJob(env.Ctx, j.JobID)

	facts, err := env.Engine.VerifyCertificate(env.Ctx, cert.CertificateID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !facts.Valid || facts.DeviceSerial != "SER-VERIFY" {
		t.Fatalf("facts = %+v", facts)
	}

	facts, err = env.Engine.VerifyCertificate(env.Ctx, "CERT-20240101-999")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("miss err = %v, want ErrNotFound", err)
	}
	if facts.Valid {
		t.Fatalf("miss reported valid")
	}
}

func TestRetryBlockedWhileDeviceBusy(t *testing.T) {
	env := newTestEnv(t)
	d := registerTestDevice(t, env, "SER-RB")
	j := createTestJob(t, env, d.ID)
	runToVerifying(t, env, j.JobID)
	if _, err := env.Engine.CompleteVerification(env.Ctx, j.JobID, false, "probe failure", "tester"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	j2 := createTestJob(t, env, d.ID)

	_, err := env.Engine.RetryJob(env.Ctx, j.JobID, "tester")
	if !errors.Is(err, engine.ErrDeviceBusy) {
		t.Fatalf("retry err = %v, want ErrDeviceBusy", err)
	}
	if _, err := env.Engine.CancelJob(env.Ctx, j2.JobID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.RetryJob(env.Ctx, j.JobID, "tester"); err != nil {
		t.Fatalf("retry after cancel: %v", err)
	}
}
