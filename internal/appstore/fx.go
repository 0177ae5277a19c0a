package appstore

import (
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/appstore/repository"
	"github.com/smallbiznis/iapsync/internal/appstore/service"
	"github.com/smallbiznis/iapsync/internal/appstore/verification"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const listenerGroup = `group:"appstore.listeners"`

var Module = fx.Module("appstore",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(service.NewService, fx.As(new(domain.Reconciler))),
		fx.Annotate(service.NewAdminService, fx.As(new(domain.AdminService))),
		fx.Annotate(service.NewLogListener, fx.As(new(domain.Listener)), fx.ResultTags(listenerGroup)),
		fx.Annotate(service.NewMetricsListener, fx.As(new(domain.Listener)), fx.ResultTags(listenerGroup)),
		fx.Annotate(publisherListener, fx.ResultTags(listenerGroup)),
		fx.Annotate(service.NewTokenLinkCleaner,
			fx.As(new(authdomain.AccessTokenRemovedListener)),
			fx.ResultTags(`group:"auth.token_removed"`),
		),
		provideVerifyClient,
		fx.Annotate(verification.NewService, fx.As(new(domain.Verifier))),
	),
)

func publisherListener(p *events.Publisher) domain.Listener {
	return p
}

func provideVerifyClient(cfg config.Config, log *zap.Logger) *verification.Client {
	return verification.NewClient(cfg.AppStore, log)
}
