package app

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"chainproxy_nexus/internal/core/dispatcher"
	"chainproxy_nexus/internal/core/gateway"
	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/service/web"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/settings"
	"chainproxy_nexus/internal/shared/types"
	"chainproxy_nexus/internal/tunnel"
)

// AppServer is the application's main struct.
type AppServer struct {
	cfg        *types.Config
	chainsPath string

	trace         *logger.Trace
	manager       *settings.Manager
	dispatcher    *dispatcher.Dispatcher
	connector     *tunnel.Connector
	healthChecker *health.Checker
	hub           *web.Hub
	web           *web.Server
	gateway       *gateway.Gateway // 可以为 nil

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 按 cfg 组装所有组件，但不加载配置也不启动任何服务。
// 诊断输出打开失败只会被记录，不会阻止启动。
func New(cfg *types.Config, chainsPath string) (*AppServer, error) {
	target, err := types.ParseAddress(cfg.HealthConf.ProbeTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid health probe_target: %w", err)
	}

	trace := logger.NewTrace()
	if err := trace.SetFile(cfg.TraceConf.File, cfg.TraceConf.TTYOnly); err != nil {
		logger.Warn().Err(err).Msg("Trace output disabled.")
	}

	s := &AppServer{
		cfg:        cfg,
		chainsPath: chainsPath,
		trace:      trace,
		manager:    settings.NewManager(chainsPath, trace),
		hub:        web.NewHub(),
	}
	s.dispatcher = dispatcher.New(s.manager, trace)
	s.connector = tunnel.NewConnector(s.dispatcher)

	var nd net.Dialer
	s.healthChecker = health.New(tunnel.NewProber(target, nd.DialContext), cfg.HealthConf.Concurrency)
	s.web = web.NewServer(cfg.WebConf, s.manager, s.hub)
	if cfg.GatewayConf.Port > 0 {
		s.gateway = gateway.New(cfg.GatewayConf.Port, cfg.GatewayConf.Chain, s.connector, s.hub)
		if cfg.GatewayConf.Transparent {
			s.gateway.WithTransparent()
		}
		s.gateway.WithSnapshot(func() *types.Snapshot {
			snap, _ := s.manager.Current()
			return snap
		})
	}

	// Hub 订阅快照发布，以便转发每个新健康表的状态变化
	s.manager.Register(s.hub)
	return s, nil
}

func (s *AppServer) Manager() *settings.Manager       { return s.manager }
func (s *AppServer) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }
func (s *AppServer) Connector() *tunnel.Connector       { return s.connector }

// Run 加载链配置并启动后台服务，阻塞直到 ctx 结束或 Stop 被调用。
// 初次加载失败时直接返回错误。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Str("chains", s.chainsPath).Msg("Starting chainproxy...")

	if err := s.manager.Load(); err != nil {
		s.manager.Close()
		return fmt.Errorf("initial load failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.hub.Run()

	if interval := time.Duration(s.cfg.HealthConf.Interval) * time.Second; interval > 0 {
		logger.Info().Dur("interval", interval).Int("concurrency", s.cfg.HealthConf.Concurrency).Msg("Health checker enabled.")
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			s.healthChecker.Run(ctx, interval, s.manager.Current)
		}()
	} else {
		logger.Warn().Msg("Health checker is disabled.")
	}

	if err := s.web.Start(&s.waitGroup); err != nil {
		s.Stop()
		s.waitGroup.Wait()
		return err
	}

	if s.gateway != nil {
		logger.Info().
			Int("port", s.cfg.GatewayConf.Port).
			Str("chain", s.cfg.GatewayConf.Chain).
			Bool("transparent", s.cfg.GatewayConf.Transparent).
			Msg("Starting gateway.")
		if _, err := s.gateway.InitializeListener(); err != nil {
			s.Stop()
			s.waitGroup.Wait()
			return err
		}
		go s.gateway.Serve()
	}

	<-ctx.Done()
	s.Stop()
	s.waitGroup.Wait()
	return nil
}

// Reload 重新加载链配置。失败时旧快照保持生效。
func (s *AppServer) Reload() error {
	return s.manager.Load()
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping chainproxy...")
		if s.cancel != nil {
			s.cancel()
		}
		s.hub.Stop()
		if s.gateway != nil {
			s.gateway.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.web.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown error.")
		}
		if err := s.manager.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release trace output.")
		}
	})
}
