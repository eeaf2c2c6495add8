package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider calls an external identity verification API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider client for the given verification API.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// VerifyIdentity submits the identity document for verification and
// returns whether the provider matched it against the given name.
func (p *HTTPProvider) VerifyIdentity(ctx context.Context, identityNumber, fullName string) (bool, error) {
	payload, err := json.Marshal(map[string]string{
		"identity_number": identityNumber,
		"full_name":       fullName,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("kyc provider returned %d: %w", resp.StatusCode, ErrExternalService)
	}

	var result struct {
		Status bool `json:"status"`
		Data   struct {
			Verified bool `json:"verified"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("kyc provider: decode response: %w", err)
	}
	if !result.Status {
		return false, ErrExternalService
	}
	return result.Data.Verified, nil
}
