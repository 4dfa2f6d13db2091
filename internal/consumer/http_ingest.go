package consumer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/domain"
	"wisefido-telemetry/internal/ingest"

	"go.uber.org/zap"
)

// ingestPathPrefix HTTP 摄入路径前缀，完整路径为
// POST /api/v1/ingest/{tenant_id}/{device_id}
const ingestPathPrefix = "/api/v1/ingest/"

// maxEnvelopeBytes 单条信封的请求体上限
const maxEnvelopeBytes = 256 << 10

// ingestResponse HTTP 摄入响应体
type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// HTTPIngestServer 遥测 HTTP 摄入服务
// 与 MQTT 消费者共用同一认证与缓冲路径，两个传输面行为一致
type HTTPIngestServer struct {
	config        *config.Config
	authenticator *ingest.Authenticator
	writer        *ingest.BatchWriter
	server        *http.Server
	logger        *zap.Logger
}

// NewHTTPIngestServer 创建 HTTP 摄入服务
func NewHTTPIngestServer(
	cfg *config.Config,
	authenticator *ingest.Authenticator,
	writer *ingest.BatchWriter,
	logger *zap.Logger,
) *HTTPIngestServer {
	s := &HTTPIngestServer{
		config:        cfg,
		authenticator: authenticator,
		writer:        writer,
		logger:        logger,
	}

	// 标准库 http.ServeMux，避免引入第三方路由依赖
	mux := http.NewServeMux()
	mux.HandleFunc(ingestPathPrefix, s.handleIngest)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return s
}

// Start 启动 HTTP 服务并阻塞到服务退出
func (s *HTTPIngestServer) Start() error {
	s.logger.Info("HTTP ingest server started",
		zap.String("addr", s.config.HTTP.ListenAddr),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭 HTTP 服务
func (s *HTTPIngestServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPIngestServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleIngest 处理 POST /api/v1/ingest/{tenant_id}/{device_id}
// 被拒绝的信封返回 4xx + 原因码；缓冲成功返回 202（写入是异步批量的）
func (s *HTTPIngestServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID, deviceID, ok := parseIngestPath(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, ingestResponse{Reason: "NOT_FOUND"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Reason: "READ_ERROR"})
		return
	}
	if len(body) > maxEnvelopeBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ingestResponse{Reason: "ENVELOPE_TOO_LARGE"})
		return
	}

	readings, err := s.authenticator.Process(r.Context(), tenantID, deviceID, "http", body)
	if err != nil {
		if rej, rejected := err.(*ingest.RejectError); rejected {
			writeJSON(w, rejectStatus(rej.Reason), ingestResponse{
				Reason: rej.Reason,
				Detail: rej.Detail,
			})
			return
		}
		s.logger.Error("Failed to process HTTP envelope",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Reason: "INTERNAL_ERROR"})
		return
	}

	if err := s.writer.Accept(r.Context(), tenantID, readings); err != nil {
		s.logger.Error("Failed to buffer readings",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, ingestResponse{Reason: "BUFFER_UNAVAILABLE"})
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(readings)})
}

// rejectStatus 把隔离原因码映射为 HTTP 状态码
func rejectStatus(reason string) int {
	switch reason {
	case domain.ReasonUnknownDevice:
		return http.StatusNotFound
	case domain.ReasonBadCredential:
		return http.StatusUnauthorized
	case domain.ReasonDeviceDecommissioned, domain.ReasonSubscriptionSuspended:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// parseIngestPath 解析 /api/v1/ingest/{tenant}/{device}
func parseIngestPath(path string) (tenantID, deviceID string, ok bool) {
	rest := strings.TrimPrefix(path, ingestPathPrefix)
	if rest == path {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
