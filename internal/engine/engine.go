package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/sonyflake"

	"wipeline/internal/config"
	"wipeline/internal/domain"
	"wipeline/internal/events"
	"wipeline/internal/metrics"
	"wipeline/internal/notify"
	"wipeline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Notifier notify.Notifier
	Log      zerolog.Logger

	flake *sonyflake.Sonyflake
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Notifier: notify.LogNotifier{Log: log},
		Log:      log,
		flake:    sonyflake.NewSonyflake(sonyflake.Settings{}),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nextJobID() (string, error) {
	if e.flake != nil {
		id, err := e.flake.NextID()
		if err == nil {
			return fmt.Sprintf("JOB-%d", id), nil
		}
	}
	// Sonyflake refuses to start on hosts without a private IP; fall back
	// to a UUID-derived id so jobs can still be created.
	return "JOB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString()[:13], "-", "")), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RegisterDevice adds a device to the registry.
func (e *Engine) RegisterDevice(ctx context.Context, d domain.Device, actorID string) (domain.Device, error) {
	if d.Path == "" || d.Serial == "" || d.Model == "" {
		return domain.Device{}, errors.New("path, model and serial are required")
	}
	if d.Status == "" {
		d.Status = domain.DeviceUnmounted
	}
	switch d.Status {
	case domain.DeviceMounted, domain.DeviceUnmounted, domain.DeviceProtected:
	default:
		return domain.Device{}, fmt.Errorf("unknown device status %q", d.Status)
	}
	d.ID = uuid.NewString()
	d.CreatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Device{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDevice(ctx, tx, d); err != nil {
		if isUniqueViolation(err) {
			return domain.Device{}, ErrDuplicateSerial
		}
		return domain.Device{}, fmt.Errorf("insert device: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "device.registered", "device", d.ID, actorID, events.EventPayload{"serial": d.Serial, "status": d.Status}); err != nil {
		return domain.Device{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Device{}, err
	}
	return d, nil
}

// SetDeviceStatus changes a device's registry status. A device with an
// active job cannot be moved to Protected out from under it; the running
// job keeps its snapshot either way, so only future job creation is
// affected.
func (e *Engine) SetDeviceStatus(ctx context.Context, deviceID, status, actorID string) (domain.Device, error) {
	switch status {
	case domain.DeviceMounted, domain.DeviceUnmounted, domain.DeviceProtected:
	default:
		return domain.Device{}, fmt.Errorf("unknown device status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Device{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeviceTx(ctx, tx, deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	if d.Status == status {
		return d, tx.Commit()
	}
	if err := e.Repo.UpdateDeviceStatus(ctx, tx, deviceID, status); err != nil {
		return domain.Device{}, err
	}
	if err := e.Events.Append(ctx, tx, "device.status_changed", "device", d.ID, actorID, events.EventPayload{"from": d.Status, "to": status}); err != nil {
		return domain.Device{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Device{}, err
	}
	d.Status = status
	return d, nil
}

// SetMountState changes a device between Mounted and Unmounted. Protected
// devices are left alone; protect and unprotect are separate
// administrative calls.
func (e *Engine) SetMountState(ctx context.Context, deviceID, status, actorID string) (domain.Device, error) {
	if status != domain.DeviceMounted && status != domain.DeviceUnmounted {
		return domain.Device{}, fmt.Errorf("invalid mount state %q", status)
	}
	d, err := e.Repo.GetDevice(ctx, deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	if d.Status == domain.DeviceProtected {
		return domain.Device{}, ErrProtectedDevice
	}
	return e.SetDeviceStatus(ctx, deviceID, status, actorID)
}

// JobCreateOptions are parameters for creating a wipe job.
type JobCreateOptions struct {
	DeviceID     string
	File         *domain.FileTarget
	PolicyName   string
	NotifyEmails []string
	ActorID      string
}

// CreateJob validates the target and policy and enqueues a new job in
// Queued. Device targets are snapshotted so the certificate can outlive
// registry edits, and a device with any non-terminal job is refused.
func (e *Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.WipeJob, error) {
	if opts.PolicyName == "" {
		return domain.WipeJob{}, errors.New("policy is required")
	}
	pol, ok := e.Config.PolicyByName(opts.PolicyName)
	if !ok {
		return domain.WipeJob{}, ErrUnknownPolicy
	}
	if (opts.DeviceID == "") == (opts.File == nil) {
		return domain.WipeJob{}, errors.New("exactly one of device_id or file is required")
	}
	if opts.File != nil && opts.File.Name == "" {
		return domain.WipeJob{}, errors.New("file name is required")
	}

	jobID, err := e.nextJobID()
	if err != nil {
		return domain.WipeJob{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	j := domain.WipeJob{
		ID:    uuid.NewString(),
		JobID: jobID,
		Policy: domain.WipePolicy{
			Name:        pol.Name,
			Passes:      pol.Passes,
			Description: pol.Description,
		},
		RequestedBy:  opts.ActorID,
		Status:       domain.JobQueued,
		Progress:     0,
		NotifyEmails: opts.NotifyEmails,
		CreatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	if opts.DeviceID != "" {
		d, err := e.Repo.GetDeviceTx(ctx, tx, opts.DeviceID)
		if err != nil {
			return domain.WipeJob{}, err
		}
		if d.Status == domain.DeviceProtected {
			return domain.WipeJob{}, ErrProtectedDevice
		}
		if _, err := e.Repo.ActiveJobForDevice(ctx, tx, d.ID); err == nil {
			return domain.WipeJob{}, ErrDeviceBusy
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.WipeJob{}, err
		}
		j.Target.Device = &domain.DeviceTarget{
			DeviceID: d.ID,
			Path:     d.Path,
			Model:    d.Model,
			Serial:   d.Serial,
			Size:     d.Size,
			Type:     d.Type,
		}
	} else {
		j.Target.File = opts.File
	}

	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		if isUniqueViolation(err) {
			return domain.WipeJob{}, ErrDeviceBusy
		}
		return domain.WipeJob{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Job created, queued for execution"); err != nil {
		return domain.WipeJob{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.created", "job", j.JobID, opts.ActorID, events.EventPayload{
		"kind":   j.Target.Kind(),
		"policy": j.Policy.Name,
	}); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	metrics.JobsCreated.WithLabelValues(j.Target.Kind()).Inc()
	e.Log.Info().Str("job_id", j.JobID).Str("policy", j.Policy.Name).Msg("job created")
	return j, nil
}

// StartJob moves a Queued job to Running.
func (e *Engine) StartJob(ctx context.Context, jobID, actorID string) (domain.WipeJob, error) {
	return e.transition(ctx, jobID, actorID, domain.JobRunning, func(j *domain.WipeJob, now string) []string {
		j.StartedAt = &now
		passes := "drive-native secure erase"
		if j.Policy.Passes != nil {
			passes = fmt.Sprintf("%d pass(es)", *j.Policy.Passes)
		}
		return []string{fmt.Sprintf("Wipe started: %s (%s)", j.Policy.Name, passes)}
	})
}

// AdvanceProgress adds increment percent to a Running job, recording speed
// and ETA. Progress never decreases and caps at 100; the advance after the
// one that filled the bar transitions the job to Verifying.
func (e *Engine) AdvanceProgress(ctx context.Context, jobID string, increment, speedMBps float64) (domain.WipeJob, error) {
	if increment < 0 {
		return domain.WipeJob{}, fmt.Errorf("invalid increment %.2f: progress cannot decrease", increment)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	if j.Status != domain.JobRunning {
		return domain.WipeJob{}, InvalidTransitionError{From: j.Status, To: domain.JobRunning}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if j.Progress >= 100 {
		// a full bar spends one cycle visible at 100, then moves on
		j.Progress = 100
		j.Status = domain.JobVerifying
		j.SpeedMBps = nil
		j.ETASeconds = nil
		if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Wipe pass complete, starting verification"); err != nil {
			return domain.WipeJob{}, err
		}
		if err := e.Events.Append(ctx, tx, "job.verifying", "job", j.JobID, "system:driver", nil); err != nil {
			return domain.WipeJob{}, err
		}
	} else {
		j.Progress += increment
		if j.Progress > 100 {
			j.Progress = 100
		}
		j.SpeedMBps = &speedMBps
		if speedMBps > 0 && increment > 0 && j.Progress < 100 {
			eta := int((100 - j.Progress) / increment * e.Config.TickInterval().Seconds())
			j.ETASeconds = &eta
		} else {
			j.ETASeconds = nil
		}
	}
	if err := e.Repo.UpdateJobState(ctx, tx, j); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	if j.Status == domain.JobVerifying {
		metrics.JobTransitions.WithLabelValues(domain.JobVerifying).Inc()
	}
	return j, nil
}

// CompleteVerification finishes a Verifying job. On pass the job completes
// and its certificate is issued in the same transaction; on fail the job
// moves to Failed with the probe's message.
func (e *Engine) CompleteVerification(ctx context.Context, jobID string, pass bool, failMessage, actorID string) (domain.WipeJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	if j.Status != domain.JobVerifying {
		to := domain.JobCompleted
		if !pass {
			to = domain.JobFailed
		}
		return domain.WipeJob{}, InvalidTransitionError{From: j.Status, To: to}
	}
	now := e.now().UTC().Format(time.RFC3339)
	j.EndedAt = &now
	j.SpeedMBps = nil
	j.ETASeconds = nil

	var certID string
	if pass {
		j.Status = domain.JobCompleted
		if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Verification passed, all sectors clean"); err != nil {
			return domain.WipeJob{}, err
		}
		cert, err := e.issueCertificate(ctx, tx, j, actorID)
		if err != nil {
			return domain.WipeJob{}, err
		}
		certID = cert.CertificateID
		if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Certificate issued: "+certID); err != nil {
			return domain.WipeJob{}, err
		}
	} else {
		j.Status = domain.JobFailed
		if failMessage == "" {
			failMessage = "verification failed"
		}
		j.ErrorMessage = failMessage
		if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Verification failed: "+failMessage); err != nil {
			return domain.WipeJob{}, err
		}
	}
	if err := e.Repo.UpdateJobState(ctx, tx, j); err != nil {
		return domain.WipeJob{}, err
	}
	payload := events.EventPayload{}
	if certID != "" {
		payload["certificate_id"] = certID
	}
	if j.ErrorMessage != "" {
		payload["error_message"] = j.ErrorMessage
	}
	evtType := "job.completed"
	if !pass {
		evtType = "job.failed"
	}
	if err := e.Events.Append(ctx, tx, evtType, "job", j.JobID, actorID, payload); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	metrics.JobTransitions.WithLabelValues(j.Status).Inc()
	if len(j.NotifyEmails) > 0 && e.Notifier != nil {
		if err := e.Notifier.JobFinished(ctx, j, certID); err != nil {
			e.Log.Warn().Err(err).Str("job_id", j.JobID).Msg("notification delivery failed")
		}
	}
	return j, nil
}

// CancelJob cancels any non-terminal job.
func (e *Engine) CancelJob(ctx context.Context, jobID, actorID string) (domain.WipeJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	if domain.TerminalStatus(j.Status) {
		return domain.WipeJob{}, InvalidTransitionError{From: j.Status, To: domain.JobCancelled}
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := j.Status
	j.Status = domain.JobCancelled
	j.EndedAt = &now
	j.SpeedMBps = nil
	j.ETASeconds = nil
	if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Job cancelled by "+actorID); err != nil {
		return domain.WipeJob{}, err
	}
	if err := e.Repo.UpdateJobState(ctx, tx, j); err != nil {
		return domain.WipeJob{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.cancelled", "job", j.JobID, actorID, events.EventPayload{"from": from}); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	metrics.JobTransitions.WithLabelValues(domain.JobCancelled).Inc()
	return j, nil
}

// RetryJob re-queues a Failed job. Progress, speed, ETA, the error message
// and the previous attempt's log are all reset; the old log lines are
// archived into the audit event so the prior attempt stays reconstructible.
func (e *Engine) RetryJob(ctx context.Context, jobID, actorID string) (domain.WipeJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	if j.Status != domain.JobFailed {
		return domain.WipeJob{}, InvalidTransitionError{From: j.Status, To: domain.JobQueued}
	}
	if j.Target.Device != nil {
		if _, err := e.Repo.ActiveJobForDevice(ctx, tx, j.Target.Device.DeviceID); err == nil {
			return domain.WipeJob{}, ErrDeviceBusy
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.WipeJob{}, err
		}
	}

	oldLogs, err := e.Repo.ListJobLogsTx(ctx, tx, j.ID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	archived := make([]string, 0, len(oldLogs))
	for _, l := range oldLogs {
		archived = append(archived, l.TS+" "+l.Line)
	}
	if err := e.Repo.DeleteJobLogs(ctx, tx, j.ID); err != nil {
		return domain.WipeJob{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	prevError := j.ErrorMessage
	j.Status = domain.JobQueued
	j.Progress = 0
	j.SpeedMBps = nil
	j.ETASeconds = nil
	j.ErrorMessage = ""
	j.StartedAt = nil
	j.EndedAt = nil
	if err := e.Repo.UpdateJobState(ctx, tx, j); err != nil {
		return domain.WipeJob{}, err
	}
	if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, "Job re-queued for retry"); err != nil {
		return domain.WipeJob{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.retried", "job", j.JobID, actorID, events.EventPayload{
		"previous_error": prevError,
		"archived_log":   archived,
	}); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	metrics.JobTransitions.WithLabelValues(domain.JobQueued).Inc()
	return j, nil
}

// transition runs the common single-step status change: load, check the
// source status, mutate, log, audit, commit.
func (e *Engine) transition(ctx context.Context, jobID, actorID, to string, mutate func(j *domain.WipeJob, now string) []string) (domain.WipeJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WipeJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.WipeJob{}, err
	}
	if !allowedTransition(j.Status, to) {
		return domain.WipeJob{}, InvalidTransitionError{From: j.Status, To: to}
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := j.Status
	j.Status = to
	lines := mutate(&j, now)
	if err := e.Repo.UpdateJobState(ctx, tx, j); err != nil {
		return domain.WipeJob{}, err
	}
	for _, line := range lines {
		if err := e.Repo.AppendJobLog(ctx, tx, j.ID, now, line); err != nil {
			return domain.WipeJob{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "job."+strings.ToLower(to), "job", j.JobID, actorID, events.EventPayload{"from": from}); err != nil {
		return domain.WipeJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WipeJob{}, err
	}
	metrics.JobTransitions.WithLabelValues(to).Inc()
	return j, nil
}

func allowedTransition(from, to string) bool {
	switch to {
	case domain.JobRunning:
		return from == domain.JobQueued
	case domain.JobVerifying:
		return from == domain.JobRunning
	case domain.JobCompleted:
		return from == domain.JobVerifying
	case domain.JobFailed:
		return from == domain.JobVerifying || from == domain.JobRunning
	case domain.JobCancelled:
		return !domain.TerminalStatus(from)
	case domain.JobQueued:
		return from == domain.JobFailed
	}
	return false
}

// FailJob moves a Running or Verifying job straight to Failed, for
// operational faults reported outside the verification probe.
func (e *Engine) FailJob(ctx context.Context, jobID, message, actorID string) (domain.WipeJob, error) {
	return e.transition(ctx, jobID, actorID, domain.JobFailed, func(j *domain.WipeJob, now string) []string {
		if message == "" {
			message = "wipe aborted"
		}
		j.ErrorMessage = message
		j.EndedAt = &now
		j.SpeedMBps = nil
		j.ETASeconds = nil
		return []string{"Wipe failed: " + message}
	})
}

// Stats aggregates dashboard counts.
type Stats struct {
	Jobs         map[string]int `json:"jobs"`
	Devices      map[string]int `json:"devices"`
	Certificates int            `json:"certificates"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	jobs, err := e.Repo.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	devices, err := e.Repo.CountDevicesByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	var certs int
	if err := e.DB.QueryRowContext(ctx, `SELECT count(*) FROM certificates`).Scan(&certs); err != nil {
		return Stats{}, err
	}
	return Stats{Jobs: jobs, Devices: devices, Certificates: certs}, nil
}
