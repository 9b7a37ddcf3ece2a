package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
)

// loggingListener 在 debug 级别记录每个被接受的连接
type loggingListener struct {
	net.Listener
	log *zerolog.Logger
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection accepted.")
	}
	return conn, err
}

// passwordMatches 接受明文或 bcrypt 哈希 ("$2a$..." 等) 形式的配置密码。
func passwordMatches(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// basicAuthMiddleware 检查 user 和 pass 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || !passwordMatches(pass, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 是状态页面的 HTTP 服务
type Server struct {
	cfg     types.WebConf
	handler *Handler
	hub     *Hub
	srv     *http.Server
	log     zerolog.Logger
}

func NewServer(cfg types.WebConf, ctl Controller, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(ctl),
		hub:     hub,
		log:     logger.WithComponent("Web"),
	}
}

// Handler 返回完整的路由。/api/status 公开，其余需要认证 (如果配置了)。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	user, pass := s.cfg.User, s.cfg.Password

	mux.HandleFunc("/api/status", s.handler.HandleStatus)
	mux.Handle("/api/reload", basicAuthMiddleware(http.HandlerFunc(s.handler.HandleReload), user, pass))
	mux.Handle("/ws", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	}), user, pass))
	return mux
}

// Start 开始监听 cfg.Port。Port <= 0 时不启动并返回 nil。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		s.log.Info().Msg("Web status server is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: failed to listen on %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler()}
	s.log.Info().Msgf("Web status server is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(loggingListener{Listener: listener, log: &s.log}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Web server error.")
		}
		s.log.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown 停止服务，未启动时什么都不做。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
