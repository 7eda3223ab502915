// Package metrics exports the outcome of a backup run in the Prometheus
// text format, for node_exporter's textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/vmbackup/internal/backup"
)

const namespace = "vmbackup"

// Run holds the gauges describing one run. Each run gets a fresh registry
// so VMs dropped from the configuration disappear from the file.
type Run struct {
	registry *prometheus.Registry

	lastRun      prometheus.Gauge
	duration     prometheus.Gauge
	success      prometheus.Gauge
	dryRun       prometheus.Gauge
	vmSuccess    *prometheus.GaugeVec
	vmDuration   *prometheus.GaugeVec
	vmLastBackup *prometheus.GaugeVec
	vmPruned     *prometheus.GaugeVec
	vmAttempts   *prometheus.GaugeVec
}

// NewRun creates the gauges and registers them.
func NewRun() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last backup run finished.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last backup run.",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run backed up every VM, 0 otherwise.",
		}),
		dryRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_dry_run",
			Help:      "1 if the last run was a dry run.",
		}),
		vmSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_success",
			Help:      "1 if the VM was backed up in the last run, 0 otherwise.",
		}, []string{"vm"}),
		vmDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_duration_seconds",
			Help:      "Time spent on the VM in the last run.",
		}, []string{"vm"}),
		vmLastBackup: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_last_success_timestamp_seconds",
			Help:      "Unix time of the VM's last successful backup.",
		}, []string{"vm"}),
		vmPruned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_pruned_backups",
			Help:      "Backups removed by retention for the VM in the last run.",
		}, []string{"vm"}),
		vmAttempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vm_reconnects",
			Help:      "Reconnects needed for the VM in the last run.",
		}, []string{"vm"}),
	}

	r.registry.MustRegister(
		r.lastRun, r.duration, r.success, r.dryRun,
		r.vmSuccess, r.vmDuration, r.vmLastBackup, r.vmPruned, r.vmAttempts,
	)
	return r
}

// Observe sets the gauges from a run report. lastSuccess supplies the time
// of earlier successful backups for VMs that failed this time; it may be
// nil.
func (r *Run) Observe(report *backup.Report, lastSuccess map[string]float64) {
	r.lastRun.Set(float64(report.FinishedAt.Unix()))
	r.duration.Set(report.FinishedAt.Sub(report.StartedAt).Seconds())
	r.success.Set(boolGauge(report.ExitCode() == 0))
	r.dryRun.Set(boolGauge(report.DryRun))

	for _, res := range report.Results {
		ok := res.Status == backup.StatusSucceeded
		r.vmSuccess.WithLabelValues(res.VM).Set(boolGauge(ok))
		r.vmDuration.WithLabelValues(res.VM).Set(res.Duration().Seconds())
		r.vmPruned.WithLabelValues(res.VM).Set(float64(res.Pruned))
		r.vmAttempts.WithLabelValues(res.VM).Set(float64(res.Attempts))

		switch {
		case ok && !report.DryRun:
			r.vmLastBackup.WithLabelValues(res.VM).Set(float64(res.FinishedAt.Unix()))
		case lastSuccess != nil && lastSuccess[res.VM] > 0:
			r.vmLastBackup.WithLabelValues(res.VM).Set(lastSuccess[res.VM])
		}
	}
}

// WriteFile writes the gauges to path atomically.
func (r *Run) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

// Registry returns the registry holding the gauges.
func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
