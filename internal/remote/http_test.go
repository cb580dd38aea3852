package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestHTTPRemote_Submit(t *testing.T) {
	var gotBody, gotKey, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := NewHTTPRemote("api", srv.URL)
	w := &model.PendingWrite{ID: "w-1", Payload: []byte(`{"amount":250}`)}
	if err := r.Submit(context.Background(), w); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if gotBody != `{"amount":250}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotKey != "w-1" {
		t.Errorf("Idempotency-Key = %q, want w-1", gotKey)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestHTTPRemote_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{name: "client error", status: http.StatusUnprocessableEntity, body: "invalid amount\n", wantStatus: 422},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantStatus: 500},
		{name: "redirect is not acceptance", status: http.StatusNotModified, wantStatus: 304},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := NewHTTPRemote("api", srv.URL).Submit(context.Background(), &model.PendingWrite{ID: "w-1", Payload: []byte("{}")})
			var rejected *okoa.RemoteRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("Submit() error = %v, want RemoteRejectedError", err)
			}
			if rejected.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", rejected.StatusCode, tt.wantStatus)
			}
			if rejected.Body != strings.TrimSpace(tt.body) {
				t.Errorf("Body = %q, want %q", rejected.Body, strings.TrimSpace(tt.body))
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewHTTPRemote("api", url).Submit(context.Background(), &model.PendingWrite{ID: "w-1", Payload: []byte("{}")})
		if !errors.Is(err, okoa.ErrNetworkUnavailable) {
			t.Errorf("Submit() error = %v, want ErrNetworkUnavailable", err)
		}
	})
}

func TestHTTPRemote_BearerToken(t *testing.T) {
	const secret = "test-secret"
	clock := fixedClock(time.Now())

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewHTTPRemote("api", srv.URL, WithJWT(secret, "okoa"), WithClock(clock))
	if err := r.Submit(context.Background(), &model.PendingWrite{ID: "w-7", Payload: []byte("{}")}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		t.Fatalf("Authorization = %q, want bearer token", auth)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithIssuer("okoa"), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	if claims.Subject != "w-7" {
		t.Errorf("Subject = %q, want w-7", claims.Subject)
	}
}
