// Package server exposes the metering core over HTTP: allowance checks,
// the reservation lifecycle, the ledger, plan changes, and the payment
// provider webhook.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskora/metering/internal/addon"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	"github.com/taskora/metering/internal/allowance"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/billingperiod"
	billingdomain "github.com/taskora/metering/internal/billingperiod/domain"
	"github.com/taskora/metering/internal/config"
	"github.com/taskora/metering/internal/observability"
	"github.com/taskora/metering/internal/plan"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/taskora/metering/internal/reservation"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"github.com/taskora/metering/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	observability.Module,
	plan.Module,
	allowance.Module,
	billingperiod.Module,
	addon.Module,
	reservation.Module,
	scheduler.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware())
	r.Use(RequestLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	GenID          *snowflake.Node
	AllowanceSvc   allowancedomain.Service
	ReservationSvc reservationdomain.Service
	PeriodSvc      billingdomain.Service
	AddonSvc       addondomain.Service
	PlanSvc        plandomain.Service
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	genID          *snowflake.Node
	allowancesvc   allowancedomain.Service
	reservationsvc reservationdomain.Service
	periodsvc      billingdomain.Service
	addonsvc       addondomain.Service
	plansvc        plandomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		genID:          p.GenID,
		allowancesvc:   p.AllowanceSvc,
		reservationsvc: p.ReservationSvc,
		periodsvc:      p.PeriodSvc,
		addonsvc:       p.AddonSvc,
		plansvc:        p.PlanSvc,
	}

	v1 := p.Gin.Group("/v1")
	{
		v1.GET("/principals/:principal_id/allowance", svc.CheckAllowance)
		v1.GET("/principals/:principal_id/ledger", svc.ListLedger)
		v1.POST("/principals/:principal_id/plan", svc.ChangePlan)

		v1.GET("/plans", svc.ListPlans)

		v1.POST("/reservations", svc.Reserve)
		v1.POST("/reservations/:reservation_id/commit", svc.Commit)
		v1.POST("/reservations/:reservation_id/release", svc.Release)

		v1.POST("/ledger/:entry_id/refund", svc.Refund)

		v1.POST("/webhooks/payment", svc.PaymentWebhook)
	}

	return svc
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
