package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/focusgate/internal/blocker"
	"github.com/smallbiznis/focusgate/internal/blocker/agent"
	"github.com/smallbiznis/focusgate/internal/cache"
	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	"github.com/smallbiznis/focusgate/internal/limits"
	"github.com/smallbiznis/focusgate/internal/logger"
	"github.com/smallbiznis/focusgate/internal/metrics"
	"github.com/smallbiznis/focusgate/internal/migration"
	"github.com/smallbiznis/focusgate/internal/notify"
	"github.com/smallbiznis/focusgate/internal/payment/adapters/stripe"
	"github.com/smallbiznis/focusgate/internal/payment/webhook"
	"github.com/smallbiznis/focusgate/internal/policy"
	"github.com/smallbiznis/focusgate/internal/ratelimit"
	"github.com/smallbiznis/focusgate/internal/refund"
	"github.com/smallbiznis/focusgate/internal/server"
	"github.com/smallbiznis/focusgate/internal/unlock"
	"github.com/smallbiznis/focusgate/internal/usage"
	"github.com/smallbiznis/focusgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		metrics.Module,
		migration.Module,
		ratelimit.Module,

		notify.Module,
		usage.Module,
		limits.Module,
		policy.Module,
		agent.Module,
		blocker.Module,
		stripe.Module,
		unlock.Module,
		refund.Module,
		webhook.Module,

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
