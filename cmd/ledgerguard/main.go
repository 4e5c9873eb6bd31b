package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"github.com/smallbiznis/ledgerguard/internal/migration"
	"github.com/smallbiznis/ledgerguard/internal/observability"
	"github.com/smallbiznis/ledgerguard/internal/scheduler"
	"github.com/smallbiznis/ledgerguard/internal/server"
	"github.com/smallbiznis/ledgerguard/pkg/db"
	"github.com/smallbiznis/ledgerguard/pkg/redisconn"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
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
