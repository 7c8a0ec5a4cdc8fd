package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

// DefaultMaxUploadBytes 参考图上传上限
const DefaultMaxUploadBytes = 10 << 20

// Uploader 参考图上传
type Uploader interface {
	Upload(ctx context.Context, userID, filename, contentType string, r io.Reader, size int64) (string, error)
}

// UploadHandler 参考图上传处理器
type UploadHandler struct {
	uploader Uploader
	maxBytes int64
	logger   *zap.Logger
}

// UploadResponse 上传结果
type UploadResponse struct {
	URL string `json:"url"`
}

// NewUploadHandler 创建上传处理器，maxBytes <= 0 时使用默认上限
func NewUploadHandler(uploader Uploader, maxBytes int64, logger *zap.Logger) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{uploader: uploader, maxBytes: maxBytes, logger: logger.With(zap.String("handler", "uploads"))}
}

// HandleUpload 接收 multipart 表单中的 file 字段并上传到对象存储
// @Summary Upload reference image
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Image file"
// @Success 200 {object} Response{data=UploadResponse} "Public URL"
// @Failure 400 {object} Response "Invalid file"
// @Security ApiKeyAuth
// @Router /api/v1/uploads [post]
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	// 预留 1 MB 给 multipart 头部
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		msg := "invalid multipart form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "file too large"
		}
		WriteError(w, types.NewError(types.ErrInvalidRequest, msg).WithCause(err), h.logger)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "file is required", h.logger)
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "file too large", h.logger)
		return
	}

	url, err := h.uploader.Upload(r.Context(), userID, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, UploadResponse{URL: url})
}
