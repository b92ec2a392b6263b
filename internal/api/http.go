package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/cardpilot/card-agent/internal/core"
	"github.com/cardpilot/card-agent/internal/deliver"
	"github.com/cardpilot/card-agent/internal/history"
	"github.com/cardpilot/card-agent/internal/logging"
	"github.com/cardpilot/card-agent/internal/settings"
	"github.com/cardpilot/card-agent/internal/web"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build.
	// Try to get VCS info from Go's build info.
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// Server wires the read orchestrator, history ledger and delivery sink to
// the HTTP surface. No protocol logic lives at this boundary.
type Server struct {
	orch   *core.Orchestrator
	ledger *history.Ledger
	sink   deliver.Sink

	// onShutdown is called when a shutdown is requested via the API.
	onShutdown func()
}

func NewServer(orch *core.Orchestrator, ledger *history.Ledger, sink deliver.Sink) *Server {
	return &Server{orch: orch, ledger: ledger, sink: sink}
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.onShutdown = handler
}

// Mux constructs and returns the HTTP mux for the API.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded status page at root
	mux.Handle("/", web.Handler())

	mux.HandleFunc("/v1/status", corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/detect", corsMiddleware(s.handleDetect))
	mux.HandleFunc("/v1/connect", corsMiddleware(s.handleConnect))
	mux.HandleFunc("/v1/read", corsMiddleware(s.handleRead))
	mux.HandleFunc("/v1/copy", corsMiddleware(s.handleCopy))
	mux.HandleFunc("/v1/history", corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/version", corsMiddleware(s.handleVersion))
	mux.HandleFunc("/v1/logs", corsMiddleware(s.handleLogs))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if _, err := logging.WriteCrashLog(rec, stack); err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
				}

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	message := ""
	if !s.orch.Available() {
		message = "PC/SC stack unavailable; install pcsc-lite (Linux) or check the smart card service"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connected":     s.orch.Connected(),
		"reading":       s.orch.Reading(),
		"pcscAvailable": s.orch.Available(),
		"reader":        s.orch.Reader(),
		"version":       Version,
		"message":       message,
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Fast poll endpoint: never an error response, just flags.
	present, err := s.orch.Detect()
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"connected": true, "cardPresent": present})
	case errors.Is(err, core.ErrBusy):
		respondJSON(w, http.StatusOK, map[string]bool{"connected": true, "cardPresent": false, "busy": true})
	default:
		respondJSON(w, http.StatusOK, map[string]bool{"connected": false, "cardPresent": false})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.orch.Connected() {
		s.orch.Disconnect()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"connected": false,
			"message":   "reader disconnected",
		})
		return
	}

	if err := s.orch.Connect(); err != nil {
		status := http.StatusInternalServerError
		message := err.Error()
		if errors.Is(err, core.ErrNoReaderFound) {
			status = http.StatusNotFound
			message = "no card reader found; check that a reader is attached"
		}
		logging.Warn(logging.CatReader, "Connect failed", map[string]any{
			"error": err.Error(),
		})
		respondJSON(w, status, map[string]interface{}{
			"success":   false,
			"connected": false,
			"message":   message,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"connected": true,
		"reader":    s.orch.Reader(),
		"message":   "reader connected",
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	result, err := s.orch.ReadCard()
	if err != nil {
		switch {
		case errors.Is(err, core.ErrBusy):
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"message": "a card read is already in progress",
			})
		case errors.Is(err, core.ErrNotConnected):
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"message": "connect the reader first",
			})
		case core.IsSoftFailure(err):
			// Routine per-attempt failures: card absent, mid-removal
			// transients, rejected commands. The session stays usable.
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"success": false,
				"message": softFailureMessage(err),
			})
		default:
			logging.Error(logging.CatCard, "Card read failed", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success": false,
				"message": err.Error(),
			})
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"cardNumber": result.CardNumber,
		"canonical":  result.Canonical,
		"copied":     result.Copied,
		"message":    "card number read",
	})
}

func softFailureMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrNoCard):
		return "no card detected; place a card on the reader"
	case errors.Is(err, core.ErrSelectFailed):
		return "card select failed; re-present the card"
	case errors.Is(err, core.ErrExtractionFailed):
		return "could not extract a card number from the response"
	default:
		return err.Error()
	}
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CardNumber string `json:"cardNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CardNumber == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "cardNumber is required",
		})
		return
	}

	if s.sink.Deliver(req.CardNumber) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "copied to clipboard",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": false,
		"message": "clipboard copy failed",
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"history": s.ledger.List(),
		})
	case http.MethodDelete:
		s.ledger.Clear()
		logging.Info(logging.CatSystem, "History cleared", nil)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "history cleared",
		})
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": s.orch.Connected(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
			limit = 200
		}
	}
	cat := logging.Category(r.URL.Query().Get("category"))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs": logging.Entries(limit, cat),
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())
	case http.MethodPost:
		var req settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
			return
		}
		if err := settings.Update(req); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}
		logging.Info(logging.CatSystem, "Settings updated", map[string]any{
			"autoCopy":       req.AutoCopy,
			"crashReporting": req.CrashReporting,
			"pollIntervalMs": req.PollIntervalMs,
		})
		respondJSON(w, http.StatusOK, settings.Get())
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.onShutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not supported",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "shutting down"})
	go s.onShutdown()
}
