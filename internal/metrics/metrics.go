// Package metrics exposes the broker's prometheus instrumentation:
// connection/relay/auth counters and gauges (client_golang), plus process
// CPU/RSS gauges sampled via gopsutil, grounded on the adred metrics package's
// split between promauto-registered series and a gopsutil-backed sampler.
package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry holds every series the broker reports. A single instance is
// built at startup and threaded through dispatch, relay, and auth so each
// component records against its own concern without reaching into a global.
type Registry struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsClosed  prometheus.Counter

	RegisterTotal      *prometheus.CounterVec // result: claimed|conflict|error
	RelayFramesTotal   *prometheus.CounterVec // kind, result: delivered|offline|forbidden|locked|dropped
	MonitorFanoutTotal prometheus.Counter

	AuthFastPathTotal *prometheus.CounterVec // result: ok|unauthorized|error
	AuthSlowPathTotal *prometheus.CounterVec // result: ok|invalid|revoked|error
	RevocationCacheHitTotal  prometheus.Counter
	RevocationCacheMissTotal prometheus.Counter

	SessionsStartedTotal prometheus.Counter
	SessionsEndedTotal   prometheus.Counter
	SessionsDeniedTotal  prometheus.Counter // insufficient credits

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// New registers every series against reg. Callers that don't care about a
// custom registry (production) pass prometheus.DefaultRegisterer via
// prometheus.WrapRegistererWith or simply promauto's package-level registry;
// tests pass a throwaway prometheus.NewRegistry() to avoid collisions between
// parallel test binaries registering the same metric names twice.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Number of connections currently registered in the Connections table, owned by this process's view.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_total",
			Help: "Total number of $connect handshakes accepted.",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_closed_total",
			Help: "Total number of $disconnect events handled.",
		}),
		RegisterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_register_total",
			Help: "Robot presence claim attempts by outcome.",
		}, []string{"result"}),
		RelayFramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_relay_frames_total",
			Help: "Signaling frames relayed by kind and outcome.",
		}, []string{"kind", "result"}),
		MonitorFanoutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_monitor_fanout_total",
			Help: "Total number of monitor-copy frames emitted.",
		}),
		AuthFastPathTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_auth_fastpath_total",
			Help: "Connection-backed claims resolutions by outcome.",
		}, []string{"result"}),
		AuthSlowPathTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_auth_slowpath_total",
			Help: "JWKS-verifying token resolutions by outcome.",
		}, []string{"result"}),
		RevocationCacheHitTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_revocation_cache_hit_total",
			Help: "Revocation checks answered from the Redis cache.",
		}),
		RevocationCacheMissTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_revocation_cache_miss_total",
			Help: "Revocation checks that fell through to the durable store.",
		}),
		SessionsStartedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_started_total",
			Help: "Billing sessions successfully started.",
		}),
		SessionsEndedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_ended_total",
			Help: "Billing sessions ended.",
		}),
		SessionsDeniedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_sessions_denied_total",
			Help: "Session starts denied for insufficient credit balance.",
		}),
		ProcessCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_process_cpu_percent",
			Help: "Process CPU usage percent, sampled via gopsutil.",
		}),
		ProcessRSSBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled via gopsutil.",
		}),
	}
}

// IncConnection records an accepted $connect handshake. Safe to call on a
// nil *Registry (tests that don't care about metrics can leave it unset).
func (r *Registry) IncConnection() {
	if r == nil {
		return
	}
	r.ConnectionsTotal.Inc()
	r.ConnectionsActive.Inc()
}

// DecConnection records a $disconnect event.
func (r *Registry) DecConnection() {
	if r == nil {
		return
	}
	r.ConnectionsClosed.Inc()
	r.ConnectionsActive.Dec()
}

// IncRegister records a register attempt's outcome: claimed, conflict, or error.
func (r *Registry) IncRegister(result string) {
	if r == nil {
		return
	}
	r.RegisterTotal.WithLabelValues(result).Inc()
}

// IncRelayFrame records a relayed signaling frame's kind and outcome:
// delivered, offline, forbidden, locked, or dropped.
func (r *Registry) IncRelayFrame(kind, result string) {
	if r == nil {
		return
	}
	r.RelayFramesTotal.WithLabelValues(kind, result).Inc()
}

// IncMonitorFanout records one monitor-copy frame successfully emitted.
func (r *Registry) IncMonitorFanout() {
	if r == nil {
		return
	}
	r.MonitorFanoutTotal.Inc()
}

// IncAuthFastPath records a connection-backed claims resolution's outcome:
// ok, unauthorized, or error.
func (r *Registry) IncAuthFastPath(result string) {
	if r == nil {
		return
	}
	r.AuthFastPathTotal.WithLabelValues(result).Inc()
}

// IncAuthSlowPath records a JWKS-verifying token resolution's outcome: ok,
// invalid, revoked, or error.
func (r *Registry) IncAuthSlowPath(result string) {
	if r == nil {
		return
	}
	r.AuthSlowPathTotal.WithLabelValues(result).Inc()
}

// IncRevocationCacheHit records a revocation check answered from the Redis cache.
func (r *Registry) IncRevocationCacheHit() {
	if r == nil {
		return
	}
	r.RevocationCacheHitTotal.Inc()
}

// IncRevocationCacheMiss records a revocation check that fell through to the
// durable store.
func (r *Registry) IncRevocationCacheMiss() {
	if r == nil {
		return
	}
	r.RevocationCacheMissTotal.Inc()
}

// IncSessionStarted records a billing session successfully started.
func (r *Registry) IncSessionStarted() {
	if r == nil {
		return
	}
	r.SessionsStartedTotal.Inc()
}

// IncSessionEnded records a billing session ended.
func (r *Registry) IncSessionEnded() {
	if r == nil {
		return
	}
	r.SessionsEndedTotal.Inc()
}

// IncSessionDenied records a session start denied for insufficient credit balance.
func (r *Registry) IncSessionDenied() {
	if r == nil {
		return
	}
	r.SessionsDeniedTotal.Inc()
}

// ProcessSampler periodically updates ProcessCPUPercent and ProcessRSSBytes
// from the running process's own /proc entry (or platform equivalent) via
// gopsutil, the same self-PID sampling the pack's gopsutil-using repos use
// for their process gauges.
type ProcessSampler struct {
	reg  *Registry
	proc *process.Process
	mu   sync.Mutex
}

// NewProcessSampler resolves the current process for sampling. A failure to
// resolve the PID (unsupported platform, permissions) disables sampling
// rather than failing startup — metrics are an operational aid, never a
// precondition for serving traffic.
func NewProcessSampler(reg *Registry) *ProcessSampler {
	ps := &ProcessSampler{reg: reg}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		ps.proc = proc
	}
	return ps
}

// Run samples CPU and RSS every interval until stop is closed. Call it from a
// single long-lived goroutine at startup.
func (ps *ProcessSampler) Run(stop <-chan struct{}, interval time.Duration) {
	if ps.proc == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ps.sample()
		}
	}
}

func (ps *ProcessSampler) sample() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if pct, err := ps.proc.CPUPercent(); err == nil {
		ps.reg.ProcessCPUPercent.Set(pct)
	}
	if memInfo, err := ps.proc.MemoryInfo(); err == nil {
		ps.reg.ProcessRSSBytes.Set(float64(memInfo.RSS))
	}
}
