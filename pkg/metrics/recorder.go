// Package metrics counts scope lifecycle events with Prometheus collectors.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Exit dispositions used as the "outcome" label
const (
	OutcomeSuccess    = "success"
	OutcomePropagated = "propagated"
	OutcomeAbsorbed   = "absorbed"
	OutcomeReleaseErr = "release_error"
	OutcomeAuditErr   = "audit_error"
)

// Recorder owns a private registry so several recorders can coexist in tests
type Recorder struct {
	registry *prometheus.Registry

	scopesEntered       *prometheus.CounterVec
	scopeExits          *prometheus.CounterVec
	acquisitionFailures *prometheus.CounterVec
	releases            *prometheus.CounterVec
	releaseFailures     *prometheus.CounterVec
	auditWrites         *prometheus.CounterVec
	resourcesHeld       *prometheus.GaugeVec
}

// NewRecorder creates and registers all collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		scopesEntered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_scopes_entered_total",
				Help: "Scopes that completed entry and became active",
			},
			[]string{"unit"},
		),
		scopeExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_scope_exits_total",
				Help: "Scope exits by disposition",
			},
			[]string{"unit", "outcome"},
		),
		acquisitionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_acquisition_failures_total",
				Help: "Resources that failed to open during scope entry",
			},
			[]string{"unit", "resource"},
		),
		releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_releases_total",
				Help: "Release actions attempted",
			},
			[]string{"unit"},
		),
		releaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_release_failures_total",
				Help: "Release actions that returned an error",
			},
			[]string{"unit", "resource"},
		),
		auditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopekit_audit_writes_total",
				Help: "Audit records written, by result",
			},
			[]string{"unit", "result"},
		),
		resourcesHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scopekit_resources_held",
				Help: "Resources currently held by a unit's stack",
			},
			[]string{"unit"},
		),
	}

	r.registry.MustRegister(
		r.scopesEntered,
		r.scopeExits,
		r.acquisitionFailures,
		r.releases,
		r.releaseFailures,
		r.auditWrites,
		r.resourcesHeld,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ScopeEntered records a unit becoming active
func (r *Recorder) ScopeEntered(unit string) {
	r.scopesEntered.WithLabelValues(unit).Inc()
}

// ScopeExited records the final disposition of a unit
func (r *Recorder) ScopeExited(unit, outcome string) {
	r.scopeExits.WithLabelValues(unit, outcome).Inc()
}

// AcquisitionFailed records a resource that could not be opened
func (r *Recorder) AcquisitionFailed(unit, resource string) {
	r.acquisitionFailures.WithLabelValues(unit, resource).Inc()
}

// Acquired records a resource pushed onto a unit's stack
func (r *Recorder) Acquired(unit string) {
	r.resourcesHeld.WithLabelValues(unit).Inc()
}

// Released records one release attempt
func (r *Recorder) Released(unit, resource string, err error) {
	r.releases.WithLabelValues(unit).Inc()
	r.resourcesHeld.WithLabelValues(unit).Dec()
	if err != nil {
		r.releaseFailures.WithLabelValues(unit, resource).Inc()
	}
}

// AuditWritten records an audit write attempt
func (r *Recorder) AuditWritten(unit string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.auditWrites.WithLabelValues(unit, result).Inc()
}

// WriteTextfile writes all metrics in the Prometheus text format to path,
// replacing the file atomically so a textfile collector never sees a partial write.
func (r *Recorder) WriteTextfile(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to chmod metrics file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
