package web

import (
	"net/http"

	"github.com/goccy/go-json"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/format"
	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/settings"
	"chainproxy_nexus/internal/shared/types"
)

// Controller 是 web 包访问快照管理器的接口，settings.Manager 实现了它。
type Controller interface {
	Current() (*types.Snapshot, *health.Table)
	Phase() settings.Phase
	Load() error
}

// StatusResponse 是 /api/status 的响应体，未加载时 Snapshot 为 nil。
type StatusResponse struct {
	Phase    string               `json:"phase"`
	Snapshot *format.SnapshotView `json:"snapshot"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	ctl Controller
}

func NewHandler(ctl Controller) *Handler {
	return &Handler{ctl: ctl}
}

func (h *Handler) status() StatusResponse {
	resp := StatusResponse{Phase: h.ctl.Phase().String()}
	snap, table := h.ctl.Current()
	if snap != nil {
		v := format.View(snap, table)
		resp.Snapshot = &v
	}
	return resp
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// HandleReload 处理 POST /api/reload 请求。加载失败时旧快照保持生效，返回 422。
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.ctl.Load(); err != nil {
		logger.Warn().Err(err).Msg("Web: reload rejected.")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Web: failed to write response.")
	}
}
