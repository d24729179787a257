package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cryptopos/paygate/gateway/models"
	"github.com/cryptopos/paygate/gateway/payout"
	"github.com/cryptopos/paygate/internal/card"
)

// API is the HTTP surface for web-origin transactions and provider webhooks.
type API struct {
	service  *Service
	validate *validator.Validate
}

func NewAPI(service *Service) *API {
	return &API{
		service:  service,
		validate: validator.New(),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", a.submitTransaction)
		r.Get("/", a.listTransactions)
		r.Route("/{transactionID}", func(r chi.Router) {
			r.Get("/", a.getTransaction)
			r.Delete("/", a.reverseTransaction)
		})
	})
	r.Post("/payouts/confirmations", a.confirmPayout)
}

// CardPayload is the optional card block of a web submission. Expiry is what
// the cardholder reads off the card: MM/YY or MMYY.
type CardPayload struct {
	PAN    string `json:"pan" validate:"required"`
	Expiry string `json:"expiry" validate:"required"`
}

// SubmitTransactionRequest is the checkout payload. Amounts are minor units.
// Without an idempotency key (header or body) every submission is a new
// transaction.
type SubmitTransactionRequest struct {
	IdempotencyKey string       `json:"idempotency_key"`
	AmountMinor    int64        `json:"amount" validate:"required,gt=0"`
	Currency       string       `json:"currency" validate:"required,len=3"`
	MerchantID     string       `json:"merchant_id" validate:"required"`
	PayerRef       string       `json:"payer_ref"`
	Wallet         string       `json:"wallet_address"`
	Card           *CardPayload `json:"card"`
}

func (a *API) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	if key == "" {
		key = uuid.New().String()
	}

	sub := models.TransactionRequest{
		Origin:         models.OriginWeb,
		IdempotencyKey: models.WebKey(key),
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		MerchantID:     req.MerchantID,
		PayerRef:       req.PayerRef,
		Wallet:         req.Wallet,
	}
	if req.Card != nil {
		expiry, err := card.ParseCardFace(req.Card.Expiry)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.Card = &models.CardData{PAN: card.NormalizePAN(req.Card.PAN), Expiry: expiry}
	}

	res, err := a.service.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Declines and failures are still settled outcomes; only an in-flight
	// duplicate that outlived the wait budget comes back non-final.
	status := http.StatusOK
	if !res.State.IsFinal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	rec, err := a.service.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	merchant := r.URL.Query().Get("merchant")
	if merchant == "" {
		writeError(w, http.StatusBadRequest, "merchant query parameter is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	recs, err := a.service.ListByMerchant(r.Context(), merchant, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionID")

	res, err := a.service.ReverseByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) confirmPayout(w http.ResponseWriter, r *http.Request) {
	var conf payout.Confirmation
	if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if conf.Ref == "" || conf.Status == "" {
		writeError(w, http.StatusBadRequest, "reference and status are required")
		return
	}

	res, err := a.service.ConfirmPayout(r.Context(), &conf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		// Delivered to an in-flight driver, or an unknown reference. Both are
		// acknowledged so the provider stops redelivering.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
