// Command mock-backend runs a stand-in for the upstream ingestion service
// that sits behind the gateway in proxy mode. It records submissions per
// tenant and echoes what it received, so end-to-end setups can check what
// the gateway forwarded.
//
// When MOCK_JWKS_URL is set, every request must carry a context token
// signed by the gateway; the tenant is taken from the token. Otherwise the
// X-Gateway-Tenant-ID header is trusted as-is.
//
// Configuration:
//
//	MOCK_PORT      - Listen port (default: 9090)
//	MOCK_JWKS_URL  - Gateway key set, e.g. http://gateway:8080/.well-known/jwks.json
//	MOCK_ISSUER    - Expected token issuer (default: not checked)
//	MOCK_AUDIENCE  - Expected token audience (default: not checked)
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/auth"
	"github.com/formbridge/gateway/pkg/auth/jwt"
	"github.com/formbridge/gateway/pkg/transport"
	transporthttp "github.com/formbridge/gateway/pkg/transport/http"
)

// maxKept bounds the submissions remembered per tenant.
const maxKept = 100

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	var chain *auth.AuthChain
	if jwksURL := os.Getenv("MOCK_JWKS_URL"); jwksURL != "" {
		chain = &auth.AuthChain{
			Authenticators: []auth.Authenticator{jwt.New(jwt.Config{
				JWKSURL:  jwksURL,
				Issuer:   os.Getenv("MOCK_ISSUER"),
				Audience: os.Getenv("MOCK_AUDIENCE"),
			})},
			DefaultDecision: auth.No,
		}
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newHandler(newStore(), chain),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "token_verification", chain != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// submission is what the backend remembers about an accepted request.
type submission struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DecisionID  string    `json:"decision_id,omitempty"`
	Path        string    `json:"path"`
	Size        int       `json:"size"`
	SHA256      string    `json:"sha256"`
	ValidatedAt string    `json:"validated_at,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

type store struct {
	mu       sync.Mutex
	byTenant map[string][]submission
}

func newStore() *store {
	return &store{byTenant: make(map[string][]submission)}
}

func (s *store) add(sub submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byTenant[sub.TenantID], sub)
	if len(list) > maxKept {
		list = list[len(list)-maxKept:]
	}
	s.byTenant[sub.TenantID] = list
}

func (s *store) list(tenantID string) []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission(nil), s.byTenant[tenantID]...)
}

// newHandler builds the backend's routes. A nil chain trusts the gateway
// tenant header.
func newHandler(s *store, chain *auth.AuthChain) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /v1/submissions", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := callerTenant(r, chain != nil)
		if !ok {
			transport.WriteUnauthorized(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "submissions": s.list(tenantID)})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := callerTenant(r, chain != nil)
		if !ok {
			transport.WriteUnauthorized(w)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			transport.WriteAPIError(w, api.NewInvalidRequestError("body", err.Error()))
			return
		}
		sum := sha256.Sum256(body)
		sub := submission{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			Path:        r.URL.Path,
			Size:        len(body),
			SHA256:      hex.EncodeToString(sum[:]),
			ValidatedAt: r.Header.Get(transporthttp.HeaderGatewayValidatedAt),
			ReceivedAt:  time.Now().UTC(),
		}
		if id := auth.IdentityFromContext(r.Context()); id != nil {
			sub.DecisionID = id.DecisionID()
		}
		s.add(sub)
		slog.Info("submission accepted", "tenant_id", tenantID, "path", r.URL.Path, "size", len(body))
		writeJSON(w, http.StatusAccepted, sub)
	})

	if chain == nil {
		return mux
	}
	return auth.Middleware(chain, auth.DefaultBypassEndpoints)(mux)
}

// callerTenant returns the authenticated tenant. With token verification
// the header, when present, must agree with the token.
func callerTenant(r *http.Request, verified bool) (string, bool) {
	header := r.Header.Get(transporthttp.HeaderGatewayTenantID)
	if !verified {
		return header, header != ""
	}
	id := auth.IdentityFromContext(r.Context())
	if id == nil {
		return "", false
	}
	tenantID := id.TenantID()
	if tenantID == "" || (header != "" && header != tenantID) {
		return "", false
	}
	return tenantID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
