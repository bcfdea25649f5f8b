package main

import (
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/billinggroup"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/config"
	"github.com/smallbiznis/folio/internal/invoice"
	"github.com/smallbiznis/folio/internal/migration"
	"github.com/smallbiznis/folio/internal/notification"
	"github.com/smallbiznis/folio/internal/observability"
	"github.com/smallbiznis/folio/internal/payment"
	"github.com/smallbiznis/folio/internal/payment/locker"
	"github.com/smallbiznis/folio/internal/processor"
	"github.com/smallbiznis/folio/internal/protection"
	"github.com/smallbiznis/folio/internal/rollout"
	"github.com/smallbiznis/folio/internal/server"
	"github.com/smallbiznis/folio/internal/tab"
	"github.com/smallbiznis/folio/internal/vault"
	"github.com/smallbiznis/folio/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		rollout.Module,
		vault.Module,
		locker.Module,
		notification.Module,

		// Functional Domains
		protection.Module,
		tab.Module,
		billinggroup.Module,
		invoice.Module,
		processor.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
