package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/config"
	"github.com/fluxori/creditcore/internal/credit"
	"github.com/fluxori/creditcore/internal/maintenance"
	"github.com/fluxori/creditcore/internal/migration"
	"github.com/fluxori/creditcore/internal/notification"
	"github.com/fluxori/creditcore/internal/observability"
	"github.com/fluxori/creditcore/internal/pricing"
	"github.com/fluxori/creditcore/internal/producer"
	"github.com/fluxori/creditcore/internal/queue"
	"github.com/fluxori/creditcore/internal/ratelimit"
	"github.com/fluxori/creditcore/internal/research"
	"github.com/fluxori/creditcore/internal/resultcache"
	"github.com/fluxori/creditcore/internal/server"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		txn.Module,

		credit.Module,
		pricing.Module,
		resultcache.Module,
		queue.Module,
		producer.Module,
		notification.Module,
		ratelimit.Module,
		research.Module,

		maintenance.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
