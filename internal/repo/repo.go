package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wipeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- devices ---

const deviceColumns = `id,path,type,model,serial,size,status,created_at`

func scanDevice(row *sql.Row) (domain.Device, error) {
	var d domain.Device
	err := row.Scan(&d.ID, &d.Path, &d.Type, &d.Model, &d.Serial, &d.Size, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDevice(ctx context.Context, tx *sql.Tx, d domain.Device) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO devices(`+deviceColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.Path, d.Type, d.Model, d.Serial, d.Size, d.Status, d.CreatedAt)
	return err
}

func (r Repo) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=?`, id))
}

func (r Repo) GetDeviceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Device, error) {
	return scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=?`, id))
}

func (r Repo) GetDeviceBySerial(ctx context.Context, serial string) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE serial=?`, serial))
}

func (r Repo) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Path, &d.Type, &d.Model, &d.Serial, &d.Size, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDeviceStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE devices SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountDevicesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM devices GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- jobs ---

const jobColumns = `id,job_id,kind,device_id,device_path,device_model,device_serial,device_size,device_type,
file_name,file_size,file_type,policy_name,policy_passes,requested_by,status,progress,speed_mbps,eta_seconds,
error_message,notify_emails,created_at,started_at,ended_at`

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (domain.WipeJob, error) {
	var j domain.WipeJob
	var kind string
	var deviceID, devicePath, deviceModel, deviceSerial, deviceSize, deviceType sql.NullString
	var fileName, fileSize, fileType, errMsg, startedAt, endedAt sql.NullString
	var passes, eta sql.NullInt64
	var speed sql.NullFloat64
	var emails string
	err := row.Scan(&j.ID, &j.JobID, &kind, &deviceID, &devicePath, &deviceModel, &deviceSerial, &deviceSize, &deviceType,
		&fileName, &fileSize, &fileType, &j.Policy.Name, &passes, &j.RequestedBy, &j.Status, &j.Progress, &speed, &eta,
		&errMsg, &emails, &j.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if kind == domain.TargetFile {
		j.Target.File = &domain.FileTarget{Name: fileName.String, Size: fileSize.String, Type: fileType.String}
	} else {
		j.Target.Device = &domain.DeviceTarget{
			DeviceID: deviceID.String,
			Path:     devicePath.String,
			Model:    deviceModel.String,
			Serial:   deviceSerial.String,
			Size:     deviceSize.String,
			Type:     deviceType.String,
		}
	}
	if passes.Valid {
		p := int(passes.Int64)
		j.Policy.Passes = &p
	}
	if speed.Valid {
		j.SpeedMBps = &speed.Float64
	}
	if eta.Valid {
		v := int(eta.Int64)
		j.ETASeconds = &v
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		j.EndedAt = &endedAt.String
	}
	if emails != "" {
		_ = json.Unmarshal([]byte(emails), &j.NotifyEmails)
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.WipeJob) error {
	emails, err := json.Marshal(j.NotifyEmails)
	if err != nil {
		return err
	}
	var dt domain.DeviceTarget
	if j.Target.Device != nil {
		dt = *j.Target.Device
	}
	var ft domain.FileTarget
	if j.Target.File != nil {
		ft = *j.Target.File
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.JobID, j.Target.Kind(),
		nullable(dt.DeviceID), nullable(dt.Path), nullable(dt.Model), nullable(dt.Serial), nullable(dt.Size), nullable(dt.Type),
		nullable(ft.Name), nullable(ft.Size), nullable(ft.Type),
		j.Policy.Name, nullableIntPtr(j.Policy.Passes), j.RequestedBy, j.Status, j.Progress,
		nullableFloatPtr(j.SpeedMBps), nullableIntPtr(j.ETASeconds),
		nullable(j.ErrorMessage), string(emails), j.CreatedAt, nullableStringPtr(j.StartedAt), nullableStringPtr(j.EndedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, jobID string) (domain.WipeJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.WipeJob, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID))
}

// UpdateJobState persists the mutable job fields. Only the engine calls
// this, always inside the transition transaction.
func (r Repo) UpdateJobState(ctx context.Context, tx *sql.Tx, j domain.WipeJob) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, progress=?, speed_mbps=?, eta_seconds=?, error_message=?, started_at=?, ended_at=? WHERE id=?`,
		j.Status, j.Progress, nullableFloatPtr(j.SpeedMBps), nullableIntPtr(j.ETASeconds),
		nullable(j.ErrorMessage), nullableStringPtr(j.StartedAt), nullableStringPtr(j.EndedAt), j.ID)
	return err
}

type JobFilters struct {
	Status          string
	DeviceID        string
	Kind            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.WipeJob, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DeviceID != "" {
		clauses = append(clauses, "device_id=?")
		args = append(args, f.DeviceID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WipeJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ListJobsByStatus returns jobs in a single status, oldest first, for the
// progress driver.
func (r Repo) ListJobsByStatus(ctx context.Context, status string) ([]domain.WipeJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WipeJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ActiveJobForDevice returns the non-terminal job holding a device, if any.
func (r Repo) ActiveJobForDevice(ctx context.Context, tx *sql.Tx, deviceID string) (domain.WipeJob, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE device_id=? AND status NOT IN ('Completed','Failed','Cancelled') LIMIT 1`, deviceID))
}

func (r Repo) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- job logs ---

// AppendJobLog adds one line to a job's append-only log. Appends happen
// inside the job's transition transaction, which preserves per-job program
// order.
func (r Repo) AppendJobLog(ctx context.Context, tx *sql.Tx, jobRowID, ts, line string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_logs(job_id,ts,line) VALUES (?,?,?)`, jobRowID, ts, line)
	return err
}

func (r Repo) ListJobLogs(ctx context.Context, jobRowID string) ([]domain.LogLine, error) {
	return r.listJobLogs(ctx, nil, jobRowID)
}

func (r Repo) ListJobLogsTx(ctx context.Context, tx *sql.Tx, jobRowID string) ([]domain.LogLine, error) {
	return r.listJobLogs(ctx, tx, jobRowID)
}

func (r Repo) listJobLogs(ctx context.Context, tx *sql.Tx, jobRowID string) ([]domain.LogLine, error) {
	query := `SELECT id,job_id,ts,line FROM job_logs WHERE job_id=? ORDER BY id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, jobRowID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, jobRowID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.TS, &l.Line); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) DeleteJobLogs(ctx context.Context, tx *sql.Tx, jobRowID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id=?`, jobRowID)
	return err
}

// --- certificates ---

const certColumns = `id,certificate_id,job_id,device_model,device_serial,device_size,device_type,file_name,
wipe_method,wipe_passes,verification_result,started_at,ended_at,log_hash,issued_by,created_at`

func scanCert(row jobScanner) (domain.Certificate, error) {
	var c domain.Certificate
	var model, serial, size, devType, fileName sql.NullString
	var passes sql.NullInt64
	err := row.Scan(&c.ID, &c.CertificateID, &c.JobID, &model, &serial, &size, &devType, &fileName,
		&c.WipeMethod, &passes, &c.VerificationResult, &c.StartedAt, &c.EndedAt, &c.LogHash, &c.IssuedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.DeviceModel = model.String
	c.DeviceSerial = serial.String
	c.DeviceSize = size.String
	c.DeviceType = devType.String
	c.FileName = fileName.String
	if passes.Valid {
		p := int(passes.Int64)
		c.WipePasses = &p
	}
	return c, nil
}

func (r Repo) InsertCertificate(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO certificates(`+certColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CertificateID, c.JobID, nullable(c.DeviceModel), nullable(c.DeviceSerial), nullable(c.DeviceSize),
		nullable(c.DeviceType), nullable(c.FileName), c.WipeMethod, nullableIntPtr(c.WipePasses),
		c.VerificationResult, c.StartedAt, c.EndedAt, c.LogHash, c.IssuedBy, c.CreatedAt)
	return err
}

// GetCertificate looks up by the public certificate id, not the row id.
func (r Repo) GetCertificate(ctx context.Context, certificateID string) (domain.Certificate, error) {
	return scanCert(r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE certificate_id=?`, certificateID))
}

func (r Repo) GetCertificateByJob(ctx context.Context, jobID string) (domain.Certificate, error) {
	return scanCert(r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE job_id=?`, jobID))
}

func (r Repo) GetCertificateByJobTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.Certificate, error) {
	return scanCert(tx.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE job_id=?`, jobID))
}

func (r Repo) ListCertificates(ctx context.Context, limit int) ([]domain.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM certificates ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCertificatesIssuedOn counts certificates created on a YYYYMMDD day,
// used to build the daily CERT-<date>-<seq> public id.
func (r Repo) CountCertificatesIssuedOn(ctx context.Context, tx *sql.Tx, day string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM certificates WHERE certificate_id LIKE ?`, "CERT-"+day+"-%").Scan(&count)
	return count, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
