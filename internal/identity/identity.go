// Package identity validates client credentials presented on the
// real-time channel. Validation always runs; there is no bypass mode.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loopwork/reactor/internal/taxonomy"
)

// Identity is the result of a successful validation.
type Identity struct {
	UserID string `json:"user_id"`
}

// Validator checks a credential and resolves it to an identity.
type Validator interface {
	Validate(ctx context.Context, credential string) (*Identity, error)
}

// StaticValidator resolves credentials from a fixed token table,
// parsed from "token=user" pairs separated by commas.
type StaticValidator struct {
	tokens map[string]string
}

// NewStaticValidator builds a validator from the configured token
// table. An empty table is allowed; every credential then fails.
func NewStaticValidator(spec string) *StaticValidator {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		tokens[parts[0]] = parts[1]
	}
	return &StaticValidator{tokens: tokens}
}

func (v *StaticValidator) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, taxonomy.New(taxonomy.CodeAuthFailure, "missing credential")
	}
	userID, ok := v.tokens[credential]
	if !ok {
		return nil, taxonomy.New(taxonomy.CodeAuthFailure, "invalid credential")
	}
	return &Identity{UserID: userID}, nil
}

// HTTPValidator delegates validation to a remote identity service.
type HTTPValidator struct {
	url        string
	httpClient *http.Client
}

// NewHTTPValidator creates a validator backed by a remote endpoint.
func NewHTTPValidator(url string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
}

func (v *HTTPValidator) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, taxonomy.New(taxonomy.CodeAuthFailure, "missing credential")
	}

	body, err := json.Marshal(validateRequest{Token: credential})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeAuthFailure, "identity service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, taxonomy.Newf(taxonomy.CodeAuthFailure, "identity service returned %d", resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeAuthFailure, "malformed identity response", err)
	}
	if !out.Valid || out.UserID == "" {
		return nil, taxonomy.New(taxonomy.CodeAuthFailure, "invalid credential")
	}
	return &Identity{UserID: out.UserID}, nil
}
