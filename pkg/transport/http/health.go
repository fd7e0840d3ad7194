package http

import (
	"context"
	"net/http"

	"github.com/formbridge/gateway/pkg/transport"
)

type readinessCheck struct {
	name   string
	pinger transport.Pinger
}

// readyzResponse is the body of /readyz.
type readyzResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReadyz pings every configured backend. One failure makes the
// instance unready.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{Status: "ready", Checks: make(map[string]string, len(a.checks))}
	status := http.StatusOK

	for _, c := range a.checks {
		ctx, cancel := context.WithTimeout(r.Context(), a.config.ReadinessTimeout)
		err := c.pinger.Ping(ctx)
		cancel()
		if err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	writeJSON(w, status, resp)
}
