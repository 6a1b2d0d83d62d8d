package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/obs"
	"investcalc.org/internal/report"
)

const serviceName = "investcalc-api"

// ReadyProbe checks readiness by pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tune the HTTP surface.
type Options struct {
	Version      string
	MaxBodyBytes int64
	CORSOrigins  []string
	// ReportRequestsPerMinute caps report routes per client IP; zero disables it.
	ReportRequestsPerMinute int
	// LoginRate and LoginBurst size the per-IP token bucket guarding
	// login and registration; a zero rate disables it.
	LoginRate  float64
	LoginBurst int
	// TrustedProxies lists the proxies whose X-Forwarded-For entries are
	// believed when keying the login limiter.
	TrustedProxies []netip.Prefix
	// Exporter renders spreadsheet downloads. Defaults to report.XLSX.
	Exporter report.Exporter
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	auth     *auth.Service
	reports  *report.Service
	exporter report.Exporter
	ready    ReadyProbe
	opts     Options
	logins   *ipLimiter
}

func New(authSvc *auth.Service, reports *report.Service, rp ReadyProbe, opts Options) *API {
	a := &API{
		auth:     authSvc,
		reports:  reports,
		exporter: opts.Exporter,
		ready:    rp,
		opts:     opts,
	}
	if a.exporter == nil {
		a.exporter = report.XLSX{}
	}
	if opts.LoginRate > 0 {
		a.logins = newIPLimiter(opts.LoginRate, max(opts.LoginBurst, 1))
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler with the full middleware chain.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, AccessLog, obs.Instrument, SecurityHeaders)
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader, "Content-Disposition"},
			MaxAge:         600,
		}))
	}
	if a.opts.MaxBodyBytes > 0 {
		r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Route("/auth", func(r chi.Router) {
			r.With(a.limitLogins).Post("/register", a.handleRegister)
			r.With(a.limitLogins).Post("/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
		})

		r.With(a.withAuth()).Get("/me", a.handleMe)

		r.Route("/principals/{id}", func(r chi.Router) {
			r.Use(a.withAuth(auth.RoleAdmin))
			r.Get("/", a.handleGetPrincipal)
			r.Put("/roles", a.handleAssignRoles)
			r.Put("/secret", a.handleRotateSecret)
			r.Post("/disable", a.handleDisable)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Use(a.withAuth(auth.RoleMember, auth.RoleAdmin))
			if n := a.opts.ReportRequestsPerMinute; n > 0 {
				r.Use(httprate.Limit(n, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
						writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
					}),
				))
			}
			r.Get("/datasets", a.handleDatasets)
			r.Post("/aggregate", a.handleAggregate)
			r.Get("/frontier", a.handleFrontier)
			r.Post("/portfolios/generate", a.handleGenerate)
			r.With(a.withAuth(auth.RoleAdmin)).Post("/datasets/{name}/records", a.handleIngest)
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
