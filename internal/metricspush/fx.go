package metricspush

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(registerShutdownPush),
)

// registerShutdownPush sends the final state of the default registry when the
// process stops. Push failures are logged and never block shutdown.
func registerShutdownPush(lc fx.Lifecycle, pusher Pusher, log *zap.Logger) {
	if pusher == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pushOnStop(ctx, pusher, prometheus.DefaultGatherer, log.Named("metrics.push"))
			return nil
		},
	})
}

func pushOnStop(ctx context.Context, pusher Pusher, gatherer prometheus.Gatherer, log *zap.Logger) {
	if err := pusher.Push(ctx, gatherer); err != nil {
		log.Warn("final metrics push failed", zap.Error(err))
		return
	}
	log.Info("final metrics pushed")
}
