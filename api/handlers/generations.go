package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation"
	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/poll"
	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/types"
)

// =============================================================================
// 🎨 生成任务 Handler
// =============================================================================

// GenerationService 生成任务服务（*generation.Service 实现）
type GenerationService interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	Query(ctx context.Context, userID, taskID string) (generation.View, error)
	Watch(ctx context.Context, userID, taskID string, fn func(generation.View)) (poll.Result, error)
	History(ctx context.Context, userID string, filter task.Filter) ([]generation.View, error)
}

// GenerationHandler 生成任务处理器
type GenerationHandler struct {
	service        GenerationService
	logger         *zap.Logger
	originPatterns []string
}

// GenerationOption 配置 GenerationHandler
type GenerationOption func(*GenerationHandler)

// WithOriginPatterns 设置 websocket 允许的跨域来源
func WithOriginPatterns(patterns ...string) GenerationOption {
	return func(h *GenerationHandler) { h.originPatterns = patterns }
}

// NewGenerationHandler 创建生成任务处理器
func NewGenerationHandler(service GenerationService, logger *zap.Logger, opts ...GenerationOption) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &GenerationHandler{service: service, logger: logger.With(zap.String("handler", "generation"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WatchFrame websocket 推送帧
type WatchFrame struct {
	Type    string           `json:"type"` // update, done, error
	Data    *generation.View `json:"data,omitempty"`
	Outcome string           `json:"outcome,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}

// HandleSubmit 提交生成任务
// @Summary Submit generation
// @Tags generation
// @Accept json
// @Produce json
// @Param request body generation.SubmitRequest true "Generation request"
// @Success 202 {object} Response{data=generation.SubmitResult} "Task accepted"
// @Failure 400 {object} Response "Invalid request"
// @Failure 402 {object} Response "Insufficient balance"
// @Failure 403 {object} Response "Prompt blocked"
// @Failure 502 {object} Response{data=generation.SubmitResult} "Provider rejected"
// @Security ApiKeyAuth
// @Router /api/v1/generations [post]
func (h *GenerationHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req generation.SubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.UserID = userID

	res, err := h.service.Submit(r.Context(), req)
	if err != nil {
		apiErr, ok := types.AsError(err)
		if !ok {
			apiErr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
		}
		if res != nil {
			// 任务已创建但提交失败，返回任务信息便于客户端查询
			WriteErrorWithData(w, apiErr, res, h.logger)
			return
		}
		WriteError(w, apiErr, h.logger)
		return
	}

	WriteAccepted(w, res)
}

// HandleGet 查询任务状态，非终态时执行一次轮询
// @Summary Query generation
// @Tags generation
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} Response{data=generation.View} "Task view"
// @Failure 403 {object} Response "Not the owner"
// @Failure 404 {object} Response "Task not found"
// @Security ApiKeyAuth
// @Router /api/v1/generations/{id} [get]
func (h *GenerationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	taskID, ok := requireTaskID(w, r, h.logger)
	if !ok {
		return
	}

	view, err := h.service.Query(r.Context(), userID, taskID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, view)
}

// HandleList 列出当前用户的任务历史
// @Summary Generation history
// @Tags generation
// @Produce json
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Param mediaKind query string false "image or video"
// @Success 200 {object} Response{data=[]generation.View} "History"
// @Security ApiKeyAuth
// @Router /api/v1/generations [get]
func (h *GenerationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := task.Filter{}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be an integer", h.logger)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "offset must be an integer", h.logger)
		return
	}
	switch kind := extract.MediaKind(strings.ToLower(q.Get("mediaKind"))); kind {
	case "":
	case extract.MediaImage, extract.MediaVideo:
		filter.MediaKind = kind
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "mediaKind must be image or video", h.logger)
		return
	}

	views, err := h.service.History(r.Context(), userID, filter)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, views)
}

// HandleWatch 通过 websocket 推送任务状态，直到终态、超时、降级或断开
// @Summary Watch generation
// @Tags generation
// @Param id path string true "Task ID"
// @Security ApiKeyAuth
// @Router /api/v1/generations/{id}/watch [get]
func (h *GenerationHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	taskID, ok := requireTaskID(w, r, h.logger)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端断开时 ctx 被取消，轮询随之停止
	ctx := conn.CloseRead(r.Context())

	res, err := h.service.Watch(ctx, userID, taskID, func(v generation.View) {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if werr := wsjson.Write(writeCtx, conn, WatchFrame{Type: "update", Data: &v}); werr != nil {
			h.logger.Debug("websocket write failed", zap.String("task_id", taskID), zap.Error(werr))
		}
	})
	if ctx.Err() != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err != nil {
		apiErr, ok := types.AsError(err)
		if !ok {
			apiErr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
		}
		_ = wsjson.Write(writeCtx, conn, WatchFrame{
			Type:  "error",
			Error: &ErrorInfo{Code: string(apiErr.Code), Message: apiErr.Message, Retryable: apiErr.Retryable},
		})
		conn.Close(websocket.StatusPolicyViolation, string(apiErr.Code))
		return
	}

	_ = wsjson.Write(writeCtx, conn, WatchFrame{Type: "done", Outcome: string(res.Outcome)})
	conn.Close(websocket.StatusNormalClosure, string(res.Outcome))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// requireUser 从上下文读取用户 ID，缺失时返回 401
func requireUser(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	userID, ok := types.UserID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "authentication required"), logger)
		return "", false
	}
	return userID, true
}

func requireTaskID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task id is required", logger)
		return "", false
	}
	return id, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
