package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/events"
	"github.com/selunlabs/selun-engine/internal/modules/payments"
	"github.com/selunlabs/selun-engine/internal/modules/pricing"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/x402"
	"github.com/selunlabs/selun-engine/internal/orchestrator"
)

type chatRequest struct {
	UserMessage string            `json:"userMessage"`
	History     []json.RawMessage `json:"history,omitempty"`
	Context     json.RawMessage   `json:"context,omitempty"`
}

type payRequest struct {
	WalletAddress                  string `json:"walletAddress"`
	TotalPriceUSDC                 string `json:"totalPriceUsdc"`
	IncludeCertifiedDecisionRecord bool   `json:"includeCertifiedDecisionRecord"`
	RiskMode                       string `json:"riskMode"`
	InvestmentHorizon              string `json:"investmentHorizon"`
	PromoCode                      string `json:"promoCode,omitempty"`
	TransactionHash                string `json:"transactionHash,omitempty"`
}

type reportRequest struct {
	JobID         string `json:"jobId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// fingerprintInput is the normalised pay request that is hashed into
// the decision record's input fingerprint.
type fingerprintInput struct {
	WalletAddress     string `json:"wallet_address"`
	RiskMode          string `json:"risk_mode"`
	InvestmentHorizon string `json:"investment_horizon"`
	Certified         bool   `json:"certified"`
}

// handleAgentChat answers wizard questions deterministically from the
// configured pricing and pipeline facts.
func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput))
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: userMessage is required", domain.ErrInvalidInput))
		return
	}

	reply, err := s.answer(req.UserMessage)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"reply":   reply,
	})
}

// answer is a keyword intent responder over pricing and status topics.
func (s *Server) answer(message string) (string, error) {
	msg := strings.ToLower(message)

	switch {
	case strings.Contains(msg, "price") || strings.Contains(msg, "cost") || strings.Contains(msg, "usdc") || strings.Contains(msg, "pay"):
		base := s.pricing.Quote(false)
		certified := s.pricing.Quote(true)
		return fmt.Sprintf(
			"A structured allocation run costs %s USDC. Adding the certified decision record brings the total to %s USDC. Payment settles in USDC on %s; promo codes are applied at checkout.",
			base.AmountUSDC, certified.AmountUSDC, s.network), nil
	case strings.Contains(msg, "promo") || strings.Contains(msg, "code") || strings.Contains(msg, "discount"):
		return "Promo codes are single-use per wallet and applied when you authorise the run. A 100% code skips the on-chain payment entirely.", nil
	case strings.Contains(msg, "status") || strings.Contains(msg, "progress") || strings.Contains(msg, "job"):
		return "Each run moves through six phases: macro review, policy envelope, universe expansion, screening, shortlist and portfolio construction. Poll /api/phases/status with your job id or wallet address to follow along.", nil
	case strings.Contains(msg, "report") || strings.Contains(msg, "download"):
		return "Once phase 6 completes you can download the full decision report from /api/report/download with your job id.", nil
	case strings.Contains(msg, "risk"):
		return "Risk modes are conservative, balanced, growth and aggressive. The mode sets the policy envelope: stablecoin floors, single-asset caps and the high-volatility sleeve budget.", nil
	default:
		return "I build autonomous crypto portfolio allocations. Ask me about pricing, risk modes, run status or report downloads.", nil
	}
}

// handleAgentPay authorises and pays for an allocation run, then
// starts the six-phase pipeline for it.
func (s *Server) handleAgentPay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput))
		return
	}

	wallet, err := domain.NormalizeWallet(req.WalletAddress)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := domain.RiskMode(strings.ToLower(strings.TrimSpace(req.RiskMode)))
	switch mode {
	case domain.RiskModeConservative, domain.RiskModeBalanced, domain.RiskModeGrowth, domain.RiskModeAggressive, domain.RiskModeNeutral:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: unknown risk mode %q", domain.ErrInvalidInput, req.RiskMode))
		return
	}

	quote := s.pricing.Quote(req.IncludeCertifiedDecisionRecord)
	if req.TotalPriceUSDC != "" {
		claimed, err := pricing.ParseUSDC(req.TotalPriceUSDC)
		if err != nil || claimed != quote.BaseUnits {
			s.writeError(w, http.StatusBadRequest,
				fmt.Errorf("%w: quoted total is %s USDC", domain.ErrInvalidInput, quote.AmountUSDC))
			return
		}
	}

	now := s.now().UTC()
	decisionID := domain.NewDecisionID(now)

	// Promo resolution happens before any chain traffic.
	var grant *pricing.Grant
	if strings.TrimSpace(req.PromoCode) != "" {
		grant, err = s.pricing.Redeem(req.PromoCode, wallet, decisionID, req.IncludeCertifiedDecisionRecord, quote.BaseUnits)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrAuthorizationRejected):
				s.writeError(w, http.StatusForbidden, err)
			case errors.Is(err, domain.ErrInvalidInput):
				s.writeError(w, http.StatusBadRequest, err)
			default:
				s.writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		s.emit(events.PromoRedeemed, map[string]interface{}{
			"decision_id": decisionID,
			"code":        grant.Code,
			"kind":        grant.Kind,
		})
	}

	charged := quote.BaseUnits
	if grant != nil {
		charged = grant.ChargedBaseUnits
	}

	var receipt *payments.Receipt
	if grant != nil && grant.Kind == pricing.KindFree {
		receipt = &payments.Receipt{
			TransactionHash: grant.TransactionID,
			FromAddress:     wallet,
			AmountBaseUnits: "0",
			Network:         s.network,
			PaymentMethod:   payments.MethodFreeCode,
		}
	} else {
		if s.gateway == nil {
			s.writeError(w, http.StatusServiceUnavailable,
				fmt.Errorf("%w: no chain endpoint configured", domain.ErrAgentUnavailable))
			return
		}
		receipt, err = s.gateway.VerifyPayment(r.Context(), wallet, big.NewInt(charged), req.TransactionHash)
		if err != nil {
			if errors.Is(err, domain.ErrPaymentNotConfirmed) {
				s.writeError(w, http.StatusPaymentRequired, err)
				return
			}
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	reservation, err := s.store.ReserveTransactionHash(receipt.TransactionHash, decisionID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionReused) {
			s.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success":            false,
				"error":              err.Error(),
				"existingDecisionId": reservation.ExistingDecisionID,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	fingerprint, err := schema.ContentHash(fingerprintInput{
		WalletAddress:     wallet,
		RiskMode:          string(mode),
		InvestmentHorizon: req.InvestmentHorizon,
		Certified:         req.IncludeCertifiedDecisionRecord,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	timeframe := domain.TimeframeForHorizon(req.InvestmentHorizon)
	input := domain.Phase1Input{
		JobID:              domain.NewJobID(),
		ExecutionTimestamp: now,
		RiskMode:           mode,
		UserProfile: domain.UserProfile{
			RiskTolerance:       domain.ToleranceForMode(mode),
			InvestmentTimeframe: timeframe,
		},
		TimeWindow:    domain.WindowForTimeframe(timeframe),
		WalletAddress: wallet,
	}

	record := x402.AllocateRecord{
		DecisionID:        decisionID,
		InputFingerprint:  fingerprint,
		ChargedAmountUSDC: pricing.FormatUSDC(charged),
		QuoteIssuedAt:     now,
		State:             x402.StateAccepted,
		CreatedAt:         now,
		UpdatedAt:         now,
		JobID:             input.JobID,
		Payment: &x402.Payment{
			FromAddress:     receipt.FromAddress,
			TransactionHash: receipt.TransactionHash,
			Network:         receipt.Network,
			VerifiedAt:      now,
		},
	}
	if err := s.store.SetAllocateRecord(record); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.store.IncrementAddressDailyUsage(x402.DayKey(now, wallet)); err != nil {
		s.log.Warn().Err(err).Str("wallet", wallet).Msg("Daily usage increment did not persist")
	}

	s.emit(events.PaymentVerified, map[string]interface{}{
		"decision_id":    decisionID,
		"transaction":    receipt.TransactionHash,
		"payment_method": receipt.PaymentMethod,
		"charged_usdc":   record.ChargedAmountUSDC,
	})

	if err := s.orchestrator.RunPhase1(input); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":                          true,
		"status":                           "paid",
		"transactionId":                    receipt.TransactionHash,
		"decisionId":                       decisionID,
		"jobId":                            input.JobID,
		"agentNote":                        s.agentNote(receipt, record.ChargedAmountUSDC),
		"chargedAmountUsdc":                record.ChargedAmountUSDC,
		"certifiedDecisionRecordPurchased": req.IncludeCertifiedDecisionRecord,
		"paymentMethod":                    receipt.PaymentMethod,
		"freeCodeApplied":                  grant != nil && grant.Kind == pricing.KindFree,
	})
}

func (s *Server) agentNote(receipt *payments.Receipt, chargedUSDC string) string {
	if receipt.PaymentMethod == payments.MethodFreeCode {
		return "Promo code accepted. Your allocation run has started; no payment was required."
	}
	return fmt.Sprintf("Payment of %s USDC confirmed on %s. Your allocation run has started.", chargedUSDC, receipt.Network)
}

// handleReportDownload serves the final decision report as a JSON
// attachment. 404 until Phase 6 has completed.
func (s *Server) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidInput))
		return
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" && req.WalletAddress != "" {
		status, err := s.orchestrator.StatusByWallet(req.WalletAddress)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		jobID = status.JobID
	}
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: jobId or walletAddress is required", domain.ErrInvalidInput))
		return
	}

	report, err := s.orchestrator.Report(jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrReportNotReady) || errors.Is(err, domain.ErrInvalidInput) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	payload := map[string]interface{}{"report": report}
	if decisionID, ok := s.store.GetDecisionIDForJob(jobID); ok {
		if record, ok := s.store.GetAllocateRecord(decisionID); ok {
			payload["payment"] = record
		}
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "selun-report-"+jobID+".json"))
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePhaseStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePhaseStatusByWallet(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.StatusByWallet(chi.URLParam(r, "walletAddress"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) emit(eventType events.EventType, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Emit(eventType, "server", data)
}
