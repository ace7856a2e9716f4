package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/cache"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/smallbiznis/creditgate/internal/job"
	"github.com/smallbiznis/creditgate/internal/metering"
	"github.com/smallbiznis/creditgate/internal/migration"
	"github.com/smallbiznis/creditgate/internal/observability"
	"github.com/smallbiznis/creditgate/internal/payment"
	"github.com/smallbiznis/creditgate/internal/provider"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"github.com/smallbiznis/creditgate/internal/server"
	"github.com/smallbiznis/creditgate/internal/sweeper"
	"github.com/smallbiznis/creditgate/internal/worker"
	"github.com/smallbiznis/creditgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		ratelimit.Module,

		// Functional domains
		metering.Module,
		payment.Module,
		job.Module,
		provider.Module,
		worker.Module,
		sweeper.Module,

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
