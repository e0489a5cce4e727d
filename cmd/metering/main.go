package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	"github.com/taskora/metering/internal/logger"
	"github.com/taskora/metering/internal/migration"
	"github.com/taskora/metering/internal/server"
	"github.com/taskora/metering/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
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
