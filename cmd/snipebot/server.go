package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/analyzer"
	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/bridge"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/endpoint"
	"github.com/snipebot/snipebot/internal/executor"
	"github.com/snipebot/snipebot/internal/gas"
	"github.com/snipebot/snipebot/internal/health"
	"github.com/snipebot/snipebot/internal/honeypot"
	"github.com/snipebot/snipebot/internal/mempool"
	"github.com/snipebot/snipebot/internal/modules"
	"github.com/snipebot/snipebot/internal/observability"
	"github.com/snipebot/snipebot/internal/risk"
)

// server is the HTTP health, stats and control surface.
type server struct {
	cfg       *config.Config
	endpoints *endpoint.Manager
	monitor   *health.Monitor
	modules   *modules.Manager
	risk      *risk.Engine
	executor  *executor.Executor
	analyzer  *analyzer.Analyzer
	watcher   *mempool.Watcher
	gas       *gas.Optimizer
	prober    *health.Prober
	honeypot  *honeypot.Tracker
	bridge    *bridge.Client // nil when disabled
	metrics   *observability.Metrics
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sys := s.monitor.Check(r.Context())
		status := http.StatusOK
		if sys.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, sys)
	})

	// ── Stats ──
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		combined := map[string]any{
			"pipeline":    s.modules.Stats(),
			"executor":    s.executor.Stats(),
			"analyzer":    s.analyzer.Stats(),
			"mempool":     s.watcher.Stats(),
			"gas":         s.gas.Stats(),
			"risk":        s.risk.Metrics(),
			"prober":      s.prober.Stats(),
			"honeypot":    s.honeypot.Stats(),
			"events":      s.modules.Events().Stats(),
			"dry_run":     s.cfg.General.DryRun,
			"instance_id": s.cfg.General.InstanceID,
		}
		if s.bridge != nil {
			combined["bridge"] = s.bridge.Stats()
		}
		writeJSON(w, http.StatusOK, combined)
	})

	mux.HandleFunc("/endpoints", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.endpoints.Snapshot())
	})

	mux.HandleFunc("/modules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modules": s.modules.Status(),
			"report":  s.modules.CheckModuleIntegration(),
		})
	})

	mux.HandleFunc("/signatures", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.honeypot.Signatures())
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		n := 50
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				http.Error(w, "n must be a positive integer", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		writeJSON(w, http.StatusOK, s.modules.Events().Recent(n))
	})

	mux.Handle("/metrics", s.metrics.Handler())

	// ── Control Plane ──
	mux.HandleFunc("/control/pause", post(func(w http.ResponseWriter, _ *http.Request) {
		if err := s.modules.Pause(); err != nil {
			writeError(w, err)
			return
		}
		log.Warn().Msg("[CONTROL] PAUSED - candidates are discarded")
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	}))

	mux.HandleFunc("/control/resume", post(func(w http.ResponseWriter, _ *http.Request) {
		if s.risk.Killed() {
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "killed",
				"error":  "kill switch is active; restart required",
			})
			return
		}
		if err := s.modules.Resume(); err != nil {
			writeError(w, err)
			return
		}
		s.risk.Resume()
		log.Info().Msg("[CONTROL] RESUMED")
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	}))

	mux.HandleFunc("/control/kill", post(func(w http.ResponseWriter, _ *http.Request) {
		s.risk.Kill()
		log.Error().Msg("[CONTROL] KILL SWITCH - every candidate is gated until restart")
		writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
	}))

	mux.HandleFunc("/bridge", post(s.handleBridge))

	return mux
}

type bridgeRequest struct {
	FromChain uint64 `json:"from_chain"`
	ToChain   uint64 `json:"to_chain"`
	Token     string `json:"token"`
	Amount    string `json:"amount"` // base units
	Recipient string `json:"recipient"`
}

func (s *server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge disabled", http.StatusNotFound)
		return
	}
	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.Validation, "bridge.decode", err))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, apperr.Newf(apperr.Validation, "bridge.decode", "invalid amount %q", req.Amount))
		return
	}
	for _, a := range []string{req.Token, req.Recipient} {
		if !common.IsHexAddress(a) {
			writeError(w, apperr.Newf(apperr.Validation, "bridge.decode", "invalid address %q", a))
			return
		}
	}
	if req.FromChain == 0 {
		req.FromChain = s.cfg.Chain.ChainID
	}

	hash, err := s.bridge.Invoke(r.Context(), bridge.Request{
		FromChain: req.FromChain,
		ToChain:   req.ToChain,
		Token:     common.HexToAddress(req.Token),
		Amount:    amount,
		Recipient: common.HexToAddress(req.Recipient),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": hash.Hex()})
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch apperr.ClassOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Auth:
		status = http.StatusUnauthorized
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	case apperr.Fatal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{
		"error": apperr.Summary(err),
		"class": string(apperr.ClassOf(err)),
	})
}
