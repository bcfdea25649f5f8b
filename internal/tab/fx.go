package tab

import (
	"github.com/smallbiznis/folio/internal/tab/repository"
	"github.com/smallbiznis/folio/internal/tab/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tab.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
