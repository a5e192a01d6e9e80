package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/internal/ratelimit"
)

// Server exposes a Handler's command surface over loopback HTTP, the same
// http.Server-plus-gorilla/mux shape the teacher's infrastructure/service
// package uses for its own HTTP front ends, pared down to a single local
// listener with no TLS and a minimal middleware chain (logging, rate
// limiting).
type Server struct {
	httpServer *http.Server
	log        *logging.Logger
}

// NewServer builds a Server bound to addr, routing every spec §6 command to
// handler.
func NewServer(addr string, handler *Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewFromEnv("ipc")
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(log))
	router.Use(ratelimit.New(ratelimit.DefaultConfig()).Middleware)

	register(router, "/Shutdown", func(r *http.Request) Response { return handler.Shutdown(r.Context()) })
	register(router, "/Reload", func(r *http.Request) Response { return handler.Reload(r.Context()) })
	registerWithBody(router, "/ComplianceEvaluate", handler.ComplianceEvaluate)
	registerWithBody(router, "/ComplianceRemediate", handler.ComplianceRemediate)
	registerWithBody(router, "/GetComplianceEvaluationStatus", handler.GetComplianceEvaluationStatus)
	registerWithBody(router, "/GetComplianceRemediationStatus", handler.GetComplianceRemediationStatus)
	registerWithBody(router, "/GetComplianceStatus", handler.GetComplianceStatus)
	register(router, "/GetVersion", func(r *http.Request) Response { return handler.GetVersion(r.Context()) })
	register(router, "/GetStatus", func(r *http.Request) Response { return handler.GetStatus(r.Context()) })
	register(router, "/GetSystemID", func(r *http.Request) Response { return handler.GetSystemID(r.Context()) })
	register(router, "/GetCurrentUser", func(r *http.Request) Response { return handler.GetCurrentUser(r.Context()) })
	register(router, "/GetIsRegistered", func(r *http.Request) Response { return handler.GetIsRegistered(r.Context()) })
	register(router, "/GetNetworkStatus", func(r *http.Request) Response { return handler.GetNetworkStatus(r.Context()) })
	register(router, "/GetGroupCache", func(r *http.Request) Response { return handler.GetGroupCache(r.Context()) })
	register(router, "/GetAgentStatus", func(r *http.Request) Response { return handler.GetAgentStatus(r.Context()) })
	register(router, "/GetKARLStatus", func(r *http.Request) Response { return handler.GetKARLStatus(r.Context()) })
	register(router, "/GetACMEHealthInfo", func(r *http.Request) Response { return handler.GetACMEHealthInfo(r.Context()) })
	registerWithBody(router, "/GetJWT", handler.GetJWT)
	registerWithBody(router, "/RegisterWithToken", handler.RegisterWithToken)
	register(router, "/GetRegistrationStatus", func(r *http.Request) Response { return handler.GetRegistrationStatus(r.Context()) })
	registerWithBody(router, "/CommitKARLEvent", handler.CommitKARLEvent)
	registerWithBody(router, "/ModuleStatus", handler.ModuleStatus)
	register(router, "/ReloadModules", func(r *http.Request) Response { return handler.ReloadModules(r.Context()) })
	registerWithBody(router, "/ProxyEvent", handler.ProxyEvent)

	return &Server{
		log: log,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16,
		},
	}
}

// register wires a no-request-body command at path.
func register(router *mux.Router, path string, fn func(*http.Request) Response) {
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fn(r))
	}).Methods(http.MethodPost)
}

// registerWithBody wires a command that decodes its JSON body into a T
// before calling fn. A missing/empty body decodes as T's zero value.
func registerWithBody[T any](router *mux.Router, path string, fn func(context.Context, T) Response) {
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, errorResponse(err))
				return
			}
		}
		writeJSON(w, fn(r.Context(), req))
	}).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusError {
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func loggingMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithField("path", r.URL.Path).WithField("duration", time.Since(start).String()).Debug("ipc command handled")
		})
	}
}

// Start begins serving in the background. Errors other than
// http.ErrServerClosed are logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("ipc server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
