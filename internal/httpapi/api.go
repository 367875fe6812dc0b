// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"agentgate.dev/internal/gateway"
	"agentgate.dev/internal/hooks"
	"agentgate.dev/internal/obs"
)

// ReadyProbe reports whether the service can take traffic (DB ping when a
// pool is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the gateway.
type API struct {
	mux        *http.ServeMux
	gw         *gateway.Gateway
	broker     *hooks.Broker
	readyProbe ReadyProbe
	version    string

	// Per-client-IP transport limiter settings.
	rateBurst  int
	ratePerSec int

	mu      sync.Mutex
	pending map[string]hooks.ConfirmationRequest
}

// New wires the routes. The API drains the broker's request channel so
// pending confirmations are visible over HTTP; call Run to start that.
func New(gw *gateway.Gateway, broker *hooks.Broker, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		gw:         gw,
		broker:     broker,
		readyProbe: rp,
		version:    version,
		rateBurst:  50,
		ratePerSec: 20,
		pending:    make(map[string]hooks.ConfirmationRequest),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/authenticate", a.handleAuthenticate)
	a.mux.HandleFunc("/v1/validate", a.handleValidate)
	a.mux.HandleFunc("/v1/ratelimit/check", a.handleRateCheck)
	a.mux.HandleFunc("/v1/actions/evaluate", a.handleEvaluate)
	a.mux.HandleFunc("/v1/actions/pending", a.handlePending)
	a.mux.HandleFunc("/v1/actions/confirm/", a.handleConfirm)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Logging(h)
	return obs.Instrument(h)
}

// Run drains confirmation requests until ctx is cancelled. Requests stay
// listed until resolved or their asker gives up.
func (a *API) Run(ctx context.Context) {
	for {
		select {
		case req := <-a.broker.Requests():
			a.mu.Lock()
			a.pending[req.ID] = req
			a.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agentgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "agentgate",
		"time":         time.Now().UTC().Format(time.RFC3339),
		"version":      a.version,
		"rule_version": a.gw.RuleVersion(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
