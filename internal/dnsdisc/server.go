package dnsdisc

import (
	"fmt"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/config"
)

// Server 基于DNS的服务发现服务器，同时监听UDP和TCP
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	logger    config.Logger
}

// NewServer 创建DNS服务发现服务器
func NewServer(source ServiceSource, cfg *config.Config, logger config.Logger) *Server {
	handler := NewHandler(source, cfg.DNS.Domain, cfg.DNS.TTL, logger)
	addr := fmt.Sprintf("%s:%d", cfg.DNS.ListenAddress, cfg.DNS.Port)

	return &Server{
		udpServer: &dns.Server{Addr: addr, Net: "udp", Handler: handler},
		tcpServer: &dns.Server{Addr: addr, Net: "tcp", Handler: handler},
		logger:    logger,
	}
}

// Start 启动DNS服务器，监听失败只记录日志不中断主流程
func (s *Server) Start() {
	go func() {
		s.logger.Info("DNS发现服务(UDP)启动", zap.String("addr", s.udpServer.Addr))
		if err := s.udpServer.ListenAndServe(); err != nil {
			s.logger.Error("DNS发现服务(UDP)启动失败", zap.Error(err))
		}
	}()

	go func() {
		s.logger.Info("DNS发现服务(TCP)启动", zap.String("addr", s.tcpServer.Addr))
		if err := s.tcpServer.ListenAndServe(); err != nil {
			s.logger.Error("DNS发现服务(TCP)启动失败", zap.Error(err))
		}
	}()
}

// Stop 停止DNS服务器
func (s *Server) Stop() {
	if err := s.udpServer.Shutdown(); err != nil {
		s.logger.Warn("关闭DNS发现服务(UDP)失败", zap.Error(err))
	}
	if err := s.tcpServer.Shutdown(); err != nil {
		s.logger.Warn("关闭DNS发现服务(TCP)失败", zap.Error(err))
	}
}
