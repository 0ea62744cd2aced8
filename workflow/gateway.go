package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the capture port. The real gateway is external and may be
// slow or unreliable; callers own retry/backoff. Implementations must treat a
// repeated charge for the same InvoiceId as idempotent on their side.
type PaymentGateway interface {
	AttemptCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type ChargeRequest struct {
	InvoiceId        int             `json:"invoice_id"`
	BusinessId       string          `json:"business_id"`
	Amount           decimal.Decimal `json:"amount"`
	CurrencyId       int             `json:"currency_id"`
	PaymentMethodRef string          `json:"payment_method_ref"`
}

type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionId string `json:"transaction_id"`
	Error         string `json:"error"`
}

// PermanentChargeError marks a charge failure that retrying cannot fix
// (revoked mandate, invalid payment method). It is terminal for the invoice.
type PermanentChargeError struct {
	Reason string
}

func (e *PermanentChargeError) Error() string {
	return "permanent charge failure: " + e.Reason
}

func IsPermanentChargeError(err error) bool {
	var pe *PermanentChargeError
	return errors.As(err, &pe)
}

// HTTPPaymentGateway posts charge requests to the provider endpoint
// configured via PAYMENT_GATEWAY_URL.
type HTTPPaymentGateway struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPPaymentGatewayFromEnv() (*HTTPPaymentGateway, error) {
	url := os.Getenv("PAYMENT_GATEWAY_URL")
	if url == "" {
		return nil, errors.New("PAYMENT_GATEWAY_URL is required")
	}
	return &HTTPPaymentGateway{
		URL:    url,
		APIKey: os.Getenv("PAYMENT_GATEWAY_API_KEY"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (g *HTTPPaymentGateway) AttemptCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.PaymentMethodRef == "" {
		return ChargeResult{}, &PermanentChargeError{Reason: "no payment method on file"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ChargeResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL+"/charges", bytes.NewReader(body))
	if err != nil {
		return ChargeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return ChargeResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Provider says the instrument itself is bad; retrying cannot help.
		var result ChargeResult
		_ = json.NewDecoder(resp.Body).Decode(&result)
		reason := result.Error
		if reason == "" {
			reason = "payment method rejected"
		}
		return ChargeResult{}, &PermanentChargeError{Reason: reason}
	case resp.StatusCode >= 400:
		return ChargeResult{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var result ChargeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ChargeResult{}, err
	}
	return result, nil
}

// NoopPaymentGateway never succeeds and never reaches a provider. Useful as a
// stand-in where a PaymentGateway is required but capture must not happen.
type NoopPaymentGateway struct{}

func (NoopPaymentGateway) AttemptCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{Success: false, Error: "payment capture disabled"}, nil
}
