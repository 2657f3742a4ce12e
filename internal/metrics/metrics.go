package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts wipe jobs created by target kind.
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wipeline_jobs_created_total",
			Help: "Total number of wipe jobs created",
		},
		[]string{"kind"},
	)

	// JobTransitions counts job status transitions by destination status.
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wipeline_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"to"},
	)

	// CertificatesIssued counts issued erasure certificates by verification result.
	CertificatesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wipeline_certificates_issued_total",
			Help: "Total number of erasure certificates issued",
		},
		[]string{"result"},
	)

	// VerifyLookups counts public certificate verification lookups.
	VerifyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wipeline_verify_lookups_total",
			Help: "Total number of public certificate verification lookups",
		},
		[]string{"outcome"},
	)
)
