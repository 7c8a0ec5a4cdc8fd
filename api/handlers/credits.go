package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

// CreditLedger 积分账本（admission.MemoryLedger / admission.GormLedger 实现）
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) error
}

// CreditsHandler 处理积分余额查询与管理员充值
type CreditsHandler struct {
	ledger CreditLedger
	logger *zap.Logger
}

// NewCreditsHandler 创建 CreditsHandler
func NewCreditsHandler(ledger CreditLedger, logger *zap.Logger) *CreditsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditsHandler{ledger: ledger, logger: logger.With(zap.String("handler", "credits"))}
}

// BalanceResponse 余额响应
type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// grantRequest 充值请求体
type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// HandleBalance GET /api/v1/credits
func (h *CreditsHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnavailable, "credit ledger unavailable").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, BalanceResponse{UserID: userID, Balance: balance})
}

// HandleGrant POST /api/v1/admin/credits/{userId}
func (h *CreditsHandler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userId"))
	if userID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user id is required", h.logger)
		return
	}

	var req grantRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Amount <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "amount must be positive", h.logger)
		return
	}

	if err := h.ledger.Credit(r.Context(), userID, req.Amount); err != nil {
		WriteError(w, types.NewError(types.ErrUnavailable, "credit ledger unavailable").WithCause(err), h.logger)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnavailable, "credit ledger unavailable").WithCause(err), h.logger)
		return
	}

	h.logger.Info("credits granted",
		zap.String("user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.String("reason", req.Reason),
		zap.Int64("balance", balance))

	WriteSuccess(w, BalanceResponse{UserID: userID, Balance: balance})
}
