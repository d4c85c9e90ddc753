// Package captcha verifies CAPTCHA response tokens against an external
// reCAPTCHA-compatible provider.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// Verifier checks client tokens with the provider's siteverify endpoint.
// Verify performs blocking network I/O and must never be called from a
// resource owner; callers run it on its own goroutine and hop the result
// back through dispatch.
type Verifier struct {
	client *http.Client
}

// NewVerifier constructs a verifier with a bounded request timeout.
func NewVerifier() *Verifier {
	return &Verifier{
		client: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// siteverifyResponse is the provider's JSON reply. Error codes beyond
// success are irrelevant here: any failure denies the action.
type siteverifyResponse struct {
	Success bool `json:"success"`
}

// Verify posts a response token to the provider and reports whether the
// token passed. A blank endpoint means verification is unconfigured and
// every token is rejected.
func (v *Verifier) Verify(ctx context.Context, endpoint, secret, token string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false, fmt.Errorf("captcha: no provider endpoint configured")
	}
	if token == "" {
		return false, nil
	}

	form := url.Values{
		"secret":   {secret},
		"response": {token},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("captcha: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha: provider returned status %d", resp.StatusCode)
	}
	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("captcha: decode response: %w", err)
	}
	return body.Success, nil
}
