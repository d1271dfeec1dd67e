// Package autoscaling sizes the worker fleet against queue depth.
package autoscaling

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

const (
	defaultMinReplicas     = 1
	defaultMaxReplicas     = 50
	defaultTargetPerWorker = 100
	defaultInterval        = 30 * time.Second
	defaultScaleInCooldown = 5 * time.Minute
)

// Scaler adjusts the worker fleet size. The Kubernetes driver implements it
// against the Deployment scale subresource.
type Scaler interface {
	CurrentReplicas(ctx context.Context) (int, error)
	SetReplicas(ctx context.Context, replicas int) error
}

// DesiredReplicas computes the target fleet size for a queue depth: enough
// workers that each carries at most targetPerWorker messages, clamped to
// the configured bounds. Pure so the policy is testable without a cluster.
func DesiredReplicas(depth int64, cfg config.AutoscalerConfig) int {
	target := int64(cfg.TargetPerWorker)
	if target <= 0 {
		target = defaultTargetPerWorker
	}
	min := cfg.MinReplicas
	if min <= 0 {
		min = defaultMinReplicas
	}
	max := cfg.MaxReplicas
	if max <= 0 {
		max = defaultMaxReplicas
	}

	// Ceiling division without floats.
	desired := int((depth + target - 1) / target)
	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}
	return desired
}

// Supervisor periodically evaluates queue depth and resizes the fleet.
// Scale-out applies immediately; scale-in waits until a full cooldown has
// elapsed since the last scale-out, so a momentary dip in depth right after
// adding workers does not thrash the fleet.
type Supervisor struct {
	queue  scanning.WorkQueue
	scaler Scaler
	cfg    config.AutoscalerConfig

	lastScaleOut time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSupervisor assembles the fleet supervisor. Zero values in cfg fall
// back to defaults.
func NewSupervisor(
	queue scanning.WorkQueue,
	scaler Scaler,
	cfg config.AutoscalerConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ScaleInCooldown <= 0 {
		cfg.ScaleInCooldown = defaultScaleInCooldown
	}
	return &Supervisor{
		queue:  queue,
		scaler: scaler,
		cfg:    cfg,
		logger: log.With("component", "autoscaler"),
		tracer: tracer,
	}
}

// Run evaluates on the configured interval until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "autoscaler started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Evaluate(ctx); err != nil {
				s.logger.Error(ctx, "autoscale evaluation failed", "err", err)
			}
		}
	}
}

// Evaluate performs one sizing decision.
func (s *Supervisor) Evaluate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "autoscaler.evaluate")
	defer span.End()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	current, err := s.scaler.CurrentReplicas(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	desired := DesiredReplicas(depth, s.cfg)
	span.SetAttributes(
		attribute.Int64("queue_depth", depth),
		attribute.Int("current_replicas", current),
		attribute.Int("desired_replicas", desired),
	)

	switch {
	case desired > current:
		if err := s.scaler.SetReplicas(ctx, desired); err != nil {
			span.RecordError(err)
			return err
		}
		s.lastScaleOut = time.Now()
		s.logger.Info(ctx, "scaled out workers",
			"depth", depth, "from", current, "to", desired)
	case desired < current:
		// Hold scale-in until a full cooldown has passed with no scale-out,
		// so workers added for a burst are not torn down on the next dip.
		if time.Since(s.lastScaleOut) < s.cfg.ScaleInCooldown {
			span.SetAttributes(attribute.Bool("cooldown_active", true))
			return nil
		}
		if err := s.scaler.SetReplicas(ctx, desired); err != nil {
			span.RecordError(err)
			return err
		}
		s.logger.Info(ctx, "scaled in workers",
			"depth", depth, "from", current, "to", desired)
	}
	return nil
}
