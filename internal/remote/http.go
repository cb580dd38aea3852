package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// DefaultTokenTTL is the lifetime of the bearer token minted per submission.
const DefaultTokenTTL = 5 * time.Minute

// maxErrorBody caps how much of a rejection body is kept for LastError.
const maxErrorBody = 512

// HTTPRemote posts each payload to a single endpoint.
//
// The record id is sent as Idempotency-Key so the endpoint can discard
// redeliveries of a write whose earlier acknowledgement was lost.
type HTTPRemote struct {
	name   string
	url    string
	client *http.Client
	secret []byte
	issuer string
	clock  okoa.Clock
}

// HTTPOption configures an HTTPRemote.
type HTTPOption func(*HTTPRemote)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPRemote) { h.client = c }
}

// WithJWT signs an HS256 bearer token with secret on every request.
func WithJWT(secret, issuer string) HTTPOption {
	return func(h *HTTPRemote) {
		h.secret = []byte(secret)
		h.issuer = issuer
	}
}

// WithClock sets the clock used for token timestamps.
func WithClock(c okoa.Clock) HTTPOption {
	return func(h *HTTPRemote) { h.clock = c }
}

// NewHTTPRemote creates a remote that posts to url.
func NewHTTPRemote(name, url string, opts ...HTTPOption) *HTTPRemote {
	h := &HTTPRemote{
		name:   name,
		url:    url,
		client: &http.Client{},
		clock:  okoa.RealClock{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Claims identifies the write a token was minted for.
type Claims struct {
	jwt.RegisteredClaims
}

func (h *HTTPRemote) token(id string) (string, error) {
	now := h.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.issuer,
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.secret)
}

// Submit posts w's payload. Any 2xx status is acceptance.
func (h *HTTPRemote) Submit(ctx context.Context, w *model.PendingWrite) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(w.Payload))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", w.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", w.ID)

	if len(h.secret) > 0 {
		token, err := h.token(w.ID)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return okoa.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &okoa.RemoteRejectedError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func (h *HTTPRemote) Name() string {
	return h.name
}

// Compile-time check that HTTPRemote implements okoa.Remote interface
var _ okoa.Remote = (*HTTPRemote)(nil)
