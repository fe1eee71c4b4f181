package server

import (
	"context"
	"net/http"
	"time"

	"github.com/fluxori/creditcore/internal/config"
	"github.com/fluxori/creditcore/internal/maintenance"
	"github.com/fluxori/creditcore/internal/observability"
	obslogger "github.com/fluxori/creditcore/internal/observability/logger"
	obstracing "github.com/fluxori/creditcore/internal/observability/tracing"
	"github.com/fluxori/creditcore/internal/producer"
	researchdomain "github.com/fluxori/creditcore/internal/research/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware("/metrics", "/healthz"))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Engine       *gin.Engine
	Config       config.Config
	Log          *zap.Logger
	Research     researchdomain.Service
	Availability *producer.Availability `optional:"true"`
	Scheduler    *maintenance.Scheduler `optional:"true"`
	DB           *gorm.DB               `optional:"true"`
}

// Server exposes the internal surface of the service: producer result
// callbacks, manual maintenance triggers, health and metrics.
type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	research     researchdomain.Service
	availability *producer.Availability
	scheduler    *maintenance.Scheduler
	db           *gorm.DB
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:       p.Engine,
		cfg:          p.Config,
		log:          p.Log.Named("http.server"),
		research:     p.Research,
		availability: p.Availability,
		scheduler:    p.Scheduler,
		db:           p.DB,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.Health)

	internal := s.engine.Group("/internal", s.CallbackAuth())
	internal.POST("/producer/results", s.ProducerResults)
	if s.scheduler != nil {
		internal.POST("/maintenance/jobs/:job", s.TriggerMaintenanceJob)
	}
}

// Engine returns the router; tests drive it through httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
