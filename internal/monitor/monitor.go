// Package monitor implements a parallel read-only fan-out subscription:
// every frame exchanged for a robot is copied to connections currently
// subscribed as a monitor for that robot.
package monitor

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/repositories"
	"github.com/teleop/broker/internal/sink"
)

// Fanout sends diagnostic copies of relayed frames to every monitor
// subscribed to a robot.
type Fanout struct {
	conns repositories.ConnectionRepository
	sink  sink.Sink
	reg   *metrics.Registry
	logger *zap.Logger
}

// New builds a Fanout. reg may be nil.
func New(conns repositories.ConnectionRepository, sink sink.Sink, reg *metrics.Registry, logger *zap.Logger) *Fanout {
	return &Fanout{conns: conns, sink: sink, reg: reg, logger: logger.Named("monitor")}
}

// Emit queries the monitoringRobotIdIndex GSI and posts a diagnostic copy of
// frame to each subscriber, silently skipping gone sinks. frame's keys are
// copied so callers' maps are never mutated; _monitor, _source, _target,
// _direction are added to the copy.
func (f *Fanout) Emit(ctx context.Context, robotID, source, target, direction string, frame map[string]any) {
	subscribers, err := f.conns.ListByMonitoringRobotID(ctx, robotID)
	if err != nil {
		f.logger.Warn("monitor fan-out lookup failed", zap.String("robotId", robotID), zap.Error(err))
		return
	}
	if len(subscribers) == 0 {
		return
	}

	copyFrame := make(map[string]any, len(frame)+4)
	for k, v := range frame {
		copyFrame[k] = v
	}
	copyFrame["_monitor"] = true
	copyFrame["_source"] = source
	if target != "" {
		copyFrame["_target"] = target
	}
	copyFrame["_direction"] = direction

	body, err := json.Marshal(copyFrame)
	if err != nil {
		f.logger.Warn("monitor fan-out marshal failed", zap.Error(err))
		return
	}

	for _, conn := range subscribers {
		if err := f.sink.Post(conn.ConnectionID, body); err != nil {
			if errors.Is(err, sink.ErrGone) {
				continue
			}
			f.logger.Warn("monitor fan-out delivery failed", zap.String("connectionId", conn.ConnectionID), zap.Error(err))
			continue
		}
		f.reg.IncMonitorFanout()
	}
}
