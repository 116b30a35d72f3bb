package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowmesh/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Success   bool       `json:"success"`
	Error     *ErrorInfo `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 响应头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError 写入错误响应；非 types.Error 按内部错误处理。
// 请求 ID 取自 RequestID 中间件已写入的响应头。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.NewError(types.ErrInternal, "internal error").WithCause(err)
	}
	status := StatusFor(typed.Code)

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(typed.Code)),
			zap.String("message", typed.Message),
			zap.Int("status", status),
			zap.Error(typed.Cause),
		)
	}

	WriteJSON(w, status, ErrorResponse{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(typed.Code),
			Message:   typed.Message,
			Retryable: typed.Retryable,
			NodeID:    typed.NodeID,
		},
		Timestamp: time.Now().UTC(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

// StatusFor 返回错误码对应的 HTTP 状态码
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNodeNotFound:
		return http.StatusNotFound
	case types.ErrUntrustedNode:
		return http.StatusForbidden
	case types.ErrCycleInProgress:
		return http.StatusConflict
	case types.ErrTransport, types.ErrNoReachableNodes:
		return http.StatusBadGateway
	case types.ErrRegistryCorruption, types.ErrIntegrityViolation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// allowGet 只放行 GET/HEAD
func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:     &ErrorInfo{Code: string(types.ErrValidation), Message: "method not allowed"},
		Timestamp: time.Now().UTC(),
	})
	return false
}
