package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation"
)

// ModelLister 模型目录查询
type ModelLister interface {
	Models(ctx context.Context, provider, media string, modelTypes []string) ([]generation.ModelInfo, error)
}

// ModelHandler 模型目录处理器
type ModelHandler struct {
	models ModelLister
	logger *zap.Logger
}

// NewModelHandler 创建模型目录处理器
func NewModelHandler(models ModelLister, logger *zap.Logger) *ModelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandler{models: models, logger: logger.With(zap.String("handler", "models"))}
}

// HandleList 列出模型及能力描述
// @Summary List models
// @Tags models
// @Produce json
// @Param provider query string false "wavespeed or kie"
// @Param media query string false "image or video"
// @Param types query string false "Comma separated model types"
// @Success 200 {object} Response{data=[]generation.ModelInfo} "Models"
// @Failure 503 {object} Response "Catalog unavailable"
// @Router /api/v1/models [get]
func (h *ModelHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var modelTypes []string
	for _, raw := range q["types"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				modelTypes = append(modelTypes, t)
			}
		}
	}

	models, err := h.models.Models(r.Context(),
		strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		strings.ToLower(strings.TrimSpace(q.Get("media"))),
		modelTypes)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, models)
}
