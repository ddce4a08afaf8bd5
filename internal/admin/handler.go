package admin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"referral-bot/internal/accounting"
	"referral-bot/internal/models"
	"referral-bot/internal/notify"
	"referral-bot/internal/utils"
)

// Handler exposes the operator-side withdrawal status transition: a processing
// withdrawal is moved to completed or failed by an out-of-band action, and the
// owning user gets a best-effort notification.
type Handler struct {
	Accounts     *accounting.Service
	Notifier     notify.Notifier
	AllowedCIDRs []string
}

func NewHandler(accounts *accounting.Service, notifier notify.Notifier, allowedCIDRs []string) *Handler {
	return &Handler{
		Accounts:     accounts,
		Notifier:     notifier,
		AllowedCIDRs: allowedCIDRs,
	}
}

type statusUpdate struct {
	WithdrawalID uint   `json:"withdrawal_id"`
	Status       string `json:"status"`
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !utils.IsAllowedIP(ip, h.AllowedCIDRs) {
		log.Warn().Str("ip", ip).Msg("Rejected admin request from disallowed address")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var update statusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if update.Status != models.WithdrawalCompleted && update.Status != models.WithdrawalFailed {
		http.Error(w, "Status must be completed or failed", http.StatusBadRequest)
		return
	}

	withdrawal, err := h.Accounts.WithdrawalByID(r.Context(), update.WithdrawalID)
	if err != nil {
		http.Error(w, "Withdrawal not found", http.StatusNotFound)
		return
	}

	// The store accepts any status write; ordering is guarded here.
	if withdrawal.Status != models.WithdrawalProcessing {
		http.Error(w, fmt.Sprintf("Withdrawal is %s, not processing", withdrawal.Status), http.StatusConflict)
		return
	}

	if err := h.Accounts.SetWithdrawalStatus(r.Context(), withdrawal.ID, update.Status); err != nil {
		log.Error().Err(err).Uint("withdrawal_id", withdrawal.ID).Msg("Failed to update withdrawal status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	log.Info().Uint("withdrawal_id", withdrawal.ID).Str("status", update.Status).Msg("Withdrawal status updated")

	switch update.Status {
	case models.WithdrawalCompleted:
		h.Notifier.NotifyUser(r.Context(), withdrawal.User.TelegramID, fmt.Sprintf(
			"✅ Your withdrawal of $%.2f has been completed.\nWallet: %s",
			withdrawal.Amount, withdrawal.WalletAddress))
	case models.WithdrawalFailed:
		h.Notifier.NotifyUser(r.Context(), withdrawal.User.TelegramID, fmt.Sprintf(
			"❌ Your withdrawal of $%.2f could not be completed. Please contact support.",
			withdrawal.Amount))
	}

	w.WriteHeader(http.StatusOK)
}
