// Package server exposes the billing engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wolkenlauf/metered/internal/clock"
	"github.com/wolkenlauf/metered/internal/config"
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	"github.com/wolkenlauf/metered/internal/scheduler"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	creditsSvc  creditsdomain.Service
	instanceSvc instancedomain.Service
	usageSvc    usagedomain.Service
	scheduler   *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	CreditsSvc  creditsdomain.Service
	InstanceSvc instancedomain.Service
	UsageSvc    usagedomain.Service
	Scheduler   *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		genID:       p.GenID,
		clock:       p.Clock,
		creditsSvc:  p.CreditsSvc,
		instanceSvc: p.InstanceSvc,
		usageSvc:    p.UsageSvc,
		scheduler:   p.Scheduler,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Credits --------
	api.GET("/credits", s.UserRequired(), s.GetCredits)
	api.GET("/credits/transactions", s.UserRequired(), s.ListCreditTransactions)
	api.POST("/credits/topup", s.UserRequired(), s.TopUpCredits)
	api.PUT("/user/plan", s.UserRequired(), s.SetPlan)

	// -------- Instances --------
	api.GET("/instances", s.UserRequired(), s.ListInstances)
	api.POST("/instances", s.UserRequired(), s.CreateInstance)
	api.GET("/instances/:id", s.UserRequired(), s.GetInstance)
	api.GET("/instances/:id/usage", s.UserRequired(), s.ListInstanceUsage)
	api.POST("/instances/:id/sync", s.UserRequired(), s.SyncInstance)
	api.DELETE("/instances/:id", s.UserRequired(), s.TerminateInstance)
	api.DELETE("/instances/:id/forget", s.UserRequired(), s.ForgetInstance)

	// -------- Usage --------
	api.GET("/usage", s.UserRequired(), s.ListUsage)

	// -------- Billing trigger --------
	api.POST("/billing/run", s.BillingKeyRequired(), s.RunBilling)
}
