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

	"github.com/smallbiznis/ledgerguard/internal/budget"
	budgetdomain "github.com/smallbiznis/ledgerguard/internal/budget/domain"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"github.com/smallbiznis/ledgerguard/internal/guard"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	"github.com/smallbiznis/ledgerguard/internal/ledger"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	obslogger "github.com/smallbiznis/ledgerguard/internal/observability/logger"
	obstracing "github.com/smallbiznis/ledgerguard/internal/observability/tracing"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	"github.com/smallbiznis/ledgerguard/internal/reconcile"
	"github.com/smallbiznis/ledgerguard/internal/spend"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ledger.Module,
	guard.Module,
	budget.Module,
	reconcile.Module,
	ratelimit.Module,
	spend.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
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

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	genID        *snowflake.Node
	budgetSvc    budgetdomain.Service
	ledgerSvc    ledgerdomain.Service
	guardSvc     guarddomain.Service
	reconcileSvc *reconcile.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	GenID        *snowflake.Node
	BudgetSvc    budgetdomain.Service
	LedgerSvc    ledgerdomain.Service
	GuardSvc     guarddomain.Service
	ReconcileSvc *reconcile.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		genID:        p.GenID,
		budgetSvc:    p.BudgetSvc,
		ledgerSvc:    p.LedgerSvc,
		guardSvc:     p.GuardSvc,
		reconcileSvc: p.ReconcileSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	accounts := v1.Group("/accounts/:account_id")
	accounts.POST("/reservations", s.createReservation)
	accounts.POST("/finalizations", s.finalizeUsage)
	accounts.GET("/balance", s.getBalance)
	accounts.GET("/spent", s.getDailySpent)
	accounts.POST("/lots", s.mintLot)
	accounts.GET("/lots", s.listLots)
	accounts.GET("/conservation", s.getConservation)
	accounts.DELETE("/halt", s.clearHalt)
	accounts.POST("/reconcile", s.reconcileAccount)

	v1.POST("/reconcile", s.reconcileAll)
}
