package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Paystack implements Gateway against the Paystack REST API.
// Amounts cross the wire in kobo (minor units).
type Paystack struct {
	secret  string
	baseURL string
	client  *http.Client
}

var _ Gateway = (*Paystack)(nil)

// NewPaystack creates a Paystack gateway client.
func NewPaystack(secret, baseURL string) *Paystack {
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &Paystack{
		secret:  secret,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *Paystack) Name() string { return "paystack" }

func (p *Paystack) InitializePayment(ctx context.Context, userID, email, amount string) (*InitResult, error) {
	minor, err := MinorUnits(amount)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"email":    email,
		"amount":   minor,
		"metadata": map[string]string{"user_id": userID},
	}
	var resp struct {
		Status bool `json:"status"`
		Data   struct {
			AuthorizationURL string `json:"authorization_url"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if err := p.post(ctx, "/transaction/initialize", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, ErrExternalService
	}
	return &InitResult{
		Reference:   resp.Data.Reference,
		RedirectURL: resp.Data.AuthorizationURL,
	}, nil
}

func (p *Paystack) VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error) {
	var resp struct {
		Status bool `json:"status"`
		Data   struct {
			Status    string `json:"status"`
			Reference string `json:"reference"`
			Amount    int64  `json:"amount"`
			Metadata  struct {
				UserID string `json:"user_id"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := p.get(ctx, "/transaction/verify/"+reference, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, ErrUnknownReference
	}
	return &VerifyResult{
		Reference: resp.Data.Reference,
		Status:    resp.Data.Status,
		Amount:    MajorUnits(resp.Data.Amount),
		UserID:    resp.Data.Metadata.UserID,
	}, nil
}

// VerifyWebhookSignature checks the x-paystack-signature header, an
// HMAC-SHA512 of the raw body under the secret key.
func (p *Paystack) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookEvent is the subset of a Paystack event the deposit flow needs.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Metadata  struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	} `json:"data"`
}

func (p *Paystack) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *Paystack) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *Paystack) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+p.secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("paystack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paystack returned status %d: %w", resp.StatusCode, ErrExternalService)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
