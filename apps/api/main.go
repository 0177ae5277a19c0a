package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/metricspush"
	"github.com/smallbiznis/iapsync/internal/observability"
	"github.com/smallbiznis/iapsync/internal/server"
	"github.com/smallbiznis/iapsync/pkg/db"
	"go.uber.org/fx"
)

// api serves HTTP only. Migrations and seeds are left to cmd/iapsync.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		metricspush.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
