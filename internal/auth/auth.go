package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongDomain  = errors.New("email outside the allowed domain")
	ErrNoVerifiers  = errors.New("no identity verifiers configured")
)

// Identity is the narrow view of an authenticated user the rest of the
// service needs: a stable id and an email, nothing else.
type Identity struct {
	UID   string
	Email string
}

// Verifier resolves a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Chain tries each verifier in order and returns the first identity. The
// final error is surfaced only after every verifier has been exhausted.
type Chain struct {
	verifiers []Verifier
}

func NewChain(verifiers ...Verifier) *Chain {
	vs := make([]Verifier, 0, len(verifiers))
	for _, v := range verifiers {
		if v != nil {
			vs = append(vs, v)
		}
	}
	return &Chain{verifiers: vs}
}

func (c *Chain) Verify(ctx context.Context, token string) (Identity, error) {
	if len(c.verifiers) == 0 {
		return Identity{}, ErrNoVerifiers
	}
	var lastErr error
	for _, v := range c.verifiers {
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Identity{}, ctx.Err()
		}
	}
	return Identity{}, lastErr
}

// HTTPVerifier validates a token against an identity provider's userinfo
// endpoint.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

func NewHTTPVerifier(url string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPVerifier{url: url, client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrInvalidToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Identity{}, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, ErrInvalidToken
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Identity{}, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var info struct {
		Sub   string `json:"sub"`
		UID   string `json:"uid"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return Identity{}, fmt.Errorf("decode userinfo response: %w", err)
	}
	uid := info.Sub
	if uid == "" {
		uid = info.UID
	}
	if uid == "" || info.Email == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: uid, Email: strings.ToLower(info.Email)}, nil
}

// StaticVerifier maps fixed tokens to emails. It backs direct credential
// sign-in and tests.
type StaticVerifier struct {
	tokens map[string]string
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for t, email := range tokens {
		cp[t] = strings.ToLower(email)
	}
	return &StaticVerifier{tokens: cp}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	email, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UID: "static:" + email, Email: email}, nil
}

// RequireDomain rejects identities whose email is outside the allow-listed
// domain suffix. An empty domain disables the check.
func RequireDomain(id Identity, domain string) error {
	if domain == "" {
		return nil
	}
	if !strings.HasSuffix(strings.ToLower(id.Email), "@"+strings.TrimPrefix(strings.ToLower(domain), "@")) {
		return ErrWrongDomain
	}
	return nil
}
