package domain

// Device statuses.
const (
	DeviceMounted   = "Mounted"
	DeviceUnmounted = "Unmounted"
	DeviceProtected = "Protected"
)

// Job statuses. Completed, Failed and Cancelled are terminal.
const (
	JobQueued    = "Queued"
	JobRunning   = "Running"
	JobVerifying = "Verifying"
	JobCompleted = "Completed"
	JobFailed    = "Failed"
	JobCancelled = "Cancelled"
)

// Job target kinds.
const (
	TargetDevice = "device"
	TargetFile   = "file"
)

// Verification results recorded on certificates.
const (
	VerificationPass = "PASS"
	VerificationFail = "FAIL"
)

// TerminalStatus reports whether a job status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}

type Device struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Type      string `json:"type" enum:"HDD,SATA SSD,NVMe SSD,USB"`
	Model     string `json:"model"`
	Serial    string `json:"serial"`
	Size      string `json:"size"`
	Status    string `json:"status" enum:"Mounted,Unmounted,Protected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WipePolicy is immutable reference data loaded from config at startup and
// copied by value into jobs so later catalog edits never alter history.
type WipePolicy struct {
	Name        string `json:"name"`
	Passes      *int   `json:"passes,omitempty"`
	Description string `json:"description,omitempty"`
}

// DeviceTarget is a snapshot of the device facts at job creation time.
type DeviceTarget struct {
	DeviceID string `json:"device_id"`
	Path     string `json:"path"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Size     string `json:"size"`
	Type     string `json:"type"`
}

type FileTarget struct {
	Name string `json:"name"`
	Size string `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

// Target is the tagged variant a job erases: exactly one of Device or File
// is set, discriminated by Kind.
type Target struct {
	Device *DeviceTarget `json:"device,omitempty"`
	File   *FileTarget   `json:"file,omitempty"`
}

func (t Target) Kind() string {
	if t.File != nil {
		return TargetFile
	}
	return TargetDevice
}

type WipeJob struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Target       Target     `json:"target"`
	Policy       WipePolicy `json:"policy"`
	RequestedBy  string     `json:"requested_by"`
	Status       string     `json:"status" enum:"Queued,Running,Verifying,Completed,Failed,Cancelled"`
	Progress     float64    `json:"progress"`
	SpeedMBps    *float64   `json:"speed_mbps,omitempty"`
	ETASeconds   *int       `json:"eta_seconds,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	NotifyEmails []string   `json:"notify_emails"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	StartedAt    *string    `json:"started_at,omitempty" format:"date-time"`
	EndedAt      *string    `json:"ended_at,omitempty" format:"date-time"`
}

// LogLine is one entry of a job's append-only log.
type LogLine struct {
	ID    int64  `json:"id"`
	JobID string `json:"job_id"`
	TS    string `json:"ts" format:"date-time"`
	Line  string `json:"line"`
}

// Certificate is the immutable audit record issued for a completed job.
type Certificate struct {
	ID                 string `json:"id"`
	CertificateID      string `json:"certificate_id"`
	JobID              string `json:"job_id"`
	DeviceModel        string `json:"device_model,omitempty"`
	DeviceSerial       string `json:"device_serial,omitempty"`
	DeviceSize         string `json:"device_size,omitempty"`
	DeviceType         string `json:"device_type,omitempty"`
	FileName           string `json:"file_name,omitempty"`
	WipeMethod         string `json:"wipe_method"`
	WipePasses         *int   `json:"wipe_passes,omitempty"`
	VerificationResult string `json:"verification_result" enum:"PASS,FAIL"`
	StartedAt          string `json:"started_at" format:"date-time"`
	EndedAt            string `json:"ended_at" format:"date-time"`
	LogHash            string `json:"log_hash"`
	IssuedBy           string `json:"issued_by"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
