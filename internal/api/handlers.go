package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenoISA/isA-user-sub009/internal/usecase"
)

type Handlers struct {
	recordUsageUC  *usecase.RecordUsage
	getUsageUC     *usecase.GetUsage
	getTrailUC     *usecase.GetUsageTrail
	creditWalletUC *usecase.CreditWallet
}

func NewHandlers(
	recordUsageUC *usecase.RecordUsage,
	getUsageUC *usecase.GetUsage,
	getTrailUC *usecase.GetUsageTrail,
	creditWalletUC *usecase.CreditWallet,
) *Handlers {
	return &Handlers{
		recordUsageUC:  recordUsageUC,
		getUsageUC:     getUsageUC,
		getTrailUC:     getTrailUC,
		creditWalletUC: creditWalletUC,
	}
}

// RecordUsage accepts one metered model call and answers 202 once the record
// and its outbox event are committed. Actual billing happens asynchronously.
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		Model        string `json:"model"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Model == "" {
		http.Error(w, "user_id and model are required", http.StatusBadRequest)
		return
	}

	params := usecase.RecordUsageParams{
		UserID:       req.UserID,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
	}

	id, err := h.recordUsageUC.Execute(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "accepted",
		"usage_id": id,
	})
}

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	summary, err := h.getUsageUC.Execute(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	json.NewEncoder(w).Encode(summary)
}

func (h *Handlers) GetUsageTrail(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	if recordID == "" {
		http.Error(w, "missing record id", http.StatusBadRequest)
		return
	}

	trail, err := h.getTrailUC.Execute(r.Context(), recordID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	json.NewEncoder(w).Encode(trail)
}

// CreditWallet accepts a top-up request. The credit is applied by the
// billing consumer when the wallet.credited event comes back around.
func (h *Handlers) CreditWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
		Reason string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	params := usecase.CreditWalletParams{
		UserID: userID,
		Amount: req.Amount,
		Reason: req.Reason,
	}

	id, err := h.creditWalletUC.Execute(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "credit_accepted",
		"credit_id": id,
	})
}
