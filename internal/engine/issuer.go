package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wipeline/internal/domain"
	"wipeline/internal/metrics"
	"wipeline/internal/repo"
)

// LogHash returns the hex sha256 over the ordered log lines joined with a
// newline. The certificate stores this digest; anyone holding the log can
// recompute it.
func LogHash(lines []domain.LogLine) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.Line)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// issueCertificate writes the erasure certificate for a job inside the
// completion transaction. Issuance is idempotent: the unique index on
// job_id makes a second call return the existing record.
func (e *Engine) issueCertificate(ctx context.Context, tx *sql.Tx, j domain.WipeJob, actorID string) (domain.Certificate, error) {
	if existing, err := e.Repo.GetCertificateByJobTx(ctx, tx, j.JobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Certificate{}, err
	}

	logs, err := e.Repo.ListJobLogsTx(ctx, tx, j.ID)
	if err != nil {
		return domain.Certificate{}, err
	}

	now := e.now().UTC()
	day := now.Format("20060102")
	seq, err := e.Repo.CountCertificatesIssuedOn(ctx, tx, day)
	if err != nil {
		return domain.Certificate{}, err
	}

	startedAt := j.CreatedAt
	if j.StartedAt != nil {
		startedAt = *j.StartedAt
	}
	endedAt := now.Format(time.RFC3339)
	if j.EndedAt != nil {
		endedAt = *j.EndedAt
	}

	c := domain.Certificate{
		ID:                 uuid.NewString(),
		CertificateID:      fmt.Sprintf("CERT-%s-%03d", day, seq+1),
		JobID:              j.JobID,
		WipeMethod:         j.Policy.Name,
		WipePasses:         j.Policy.Passes,
		VerificationResult: domain.VerificationPass,
		StartedAt:          startedAt,
		EndedAt:            endedAt,
		LogHash:            LogHash(logs),
		IssuedBy:           actorID,
		CreatedAt:          now.Format(time.RFC3339),
	}
	if j.Target.Device != nil {
		c.DeviceModel = j.Target.Device.Model
		c.DeviceSerial = j.Target.Device.Serial
		c.DeviceSize = j.Target.Device.Size
		c.DeviceType = j.Target.Device.Type
	}
	if j.Target.File != nil {
		c.FileName = j.Target.File.Name
	}

	if err := e.Repo.InsertCertificate(ctx, tx, c); err != nil {
		if isUniqueViolation(err) {
			return e.Repo.GetCertificateByJobTx(ctx, tx, j.JobID)
		}
		return domain.Certificate{}, fmt.Errorf("insert certificate: %w", err)
	}
	metrics.CertificatesIssued.WithLabelValues(c.VerificationResult).Inc()
	return c, nil
}

// Issue returns the erasure certificate for a completed job, writing it if
// none exists yet. Only a Completed job with a recorded start and end is
// eligible. Completion issues inline in the same transaction, so repeat
// calls land on the idempotent path and yield the original certificate.
func (e *Engine) Issue(ctx context.Context, jobID, actorID string) (domain.Certificate, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Certificate{}, err
	}
	if j.Status != domain.JobCompleted || j.StartedAt == nil || j.EndedAt == nil {
		return domain.Certificate{}, ErrJobNotEligible
	}
	c, err := e.issueCertificate(ctx, tx, j, actorID)
	if err != nil {
		return domain.Certificate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, err
	}
	return c, nil
}

// VerificationFacts is the public subset of a certificate returned by the
// unauthenticated verify endpoint.
type VerificationFacts struct {
	Valid              bool   `json:"valid"`
	CertificateID      string `json:"certificate_id,omitempty"`
	JobID              string `json:"job_id,omitempty"`
	DeviceModel        string `json:"device_model,omitempty"`
	DeviceSerial       string `json:"device_serial,omitempty"`
	FileName           string `json:"file_name,omitempty"`
	WipeMethod         string `json:"wipe_method,omitempty"`
	WipePasses         *int   `json:"wipe_passes,omitempty"`
	VerificationResult string `json:"verification_result,omitempty"`
	StartedAt          string `json:"started_at,omitempty"`
	EndedAt            string `json:"ended_at,omitempty"`
	LogHash            string `json:"log_hash,omitempty"`
	IssuedBy           string `json:"issued_by,omitempty"`
}

// VerifyCertificate is the public lookup. A miss returns ErrNotFound and a
// zero-valued (valid=false) record; nothing else about the system leaks.
func (e *Engine) VerifyCertificate(ctx context.Context, certificateID string) (VerificationFacts, error) {
	c, err := e.Repo.GetCertificate(ctx, certificateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			metrics.VerifyLookups.WithLabelValues("miss").Inc()
		}
		return VerificationFacts{Valid: false}, err
	}
	metrics.VerifyLookups.WithLabelValues("hit").Inc()
	return VerificationFacts{
		Valid:              true,
		CertificateID:      c.CertificateID,
		JobID:              c.JobID,
		DeviceModel:        c.DeviceModel,
		DeviceSerial:       c.DeviceSerial,
		FileName:           c.FileName,
		WipeMethod:         c.WipeMethod,
		WipePasses:         c.WipePasses,
		VerificationResult: c.VerificationResult,
		StartedAt:          c.StartedAt,
		EndedAt:            c.EndedAt,
		LogHash:            c.LogHash,
		IssuedBy:           c.IssuedBy,
	}, nil
}
