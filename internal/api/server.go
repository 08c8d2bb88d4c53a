package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/api/handler"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/registry"
	"github.com/mprestonsparks/dean-orchestration/internal/trial"
	"github.com/mprestonsparks/dean-orchestration/internal/ws"
)

// Server 表示编排层的HTTP API服务
type Server struct {
	e      *echo.Echo
	host   string
	port   int
	logger config.Logger
}

// NewServer 创建一个新的API服务，注册全部路由
func NewServer(cfg *config.Config, logger config.Logger, reg *registry.Registry, coordinator *trial.Coordinator, hub *ws.Hub) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true

	// 添加中间件
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 注册路由
	handler.NewRegistryHandler(reg).RegisterRoutes(e)
	handler.NewTrialHandler(coordinator).RegisterRoutes(e)
	handler.NewWSHandler(coordinator, hub, logger).RegisterRoutes(e)
	handler.NewHealthHandler(reg, coordinator).RegisterRoutes(e)

	return &Server{
		e:      e,
		host:   cfg.Server.ListenAddress,
		port:   cfg.Server.Port,
		logger: logger,
	}
}

// Echo 暴露底层Echo实例，供测试直接分发请求
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("编排API服务启动", zap.String("addr", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("编排API服务启动失败", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
