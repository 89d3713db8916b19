package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"loopvault/core/types"
	"loopvault/native/vault"
	"loopvault/observability/metrics"
)

// VaultEngine is the slice of the vault engine the HTTP surface drives.
type VaultEngine interface {
	Deposit(sender, receiver common.Address, assets *big.Int) (*big.Int, error)
	Withdraw(caller, receiver, owner common.Address, assets *big.Int) (*big.Int, error)
	Rebalance(caller common.Address) error
	EmergencyUnwind(caller common.Address) error
	Skim(caller common.Address, asset vault.Asset) (*big.Int, error)
	AccrueFee() error

	TotalAssets() (*big.Int, error)
	PreviewDeposit(assets *big.Int) (*big.Int, error)
	PreviewWithdraw(assets *big.Int) (*big.Int, error)
	VaultSnapshot() (*vault.VaultState, error)
	PositionSnapshot() (*vault.LoopPosition, error)
	AccountSnapshot(addr common.Address) (*types.Account, error)

	SubmitTimelock(caller common.Address, seconds uint64) error
	AcceptTimelock(caller common.Address) error
	RevokeTimelock(caller common.Address) error
	SubmitGuardian(caller, guardian common.Address) error
	AcceptGuardian(caller common.Address) error
	RevokeGuardianChange(caller common.Address) error
	SubmitDepositCeiling(caller common.Address, ceiling *big.Int) error
	AcceptDepositCeiling(caller common.Address) error
	RevokeDepositCeiling(caller common.Address) error
	SetOwner(caller, owner common.Address) error
	SetCurator(caller, curator common.Address) error
	SetAllocator(caller, allocator common.Address, enabled bool) error
	SetFeeRecipient(caller, recipient common.Address) error
	SetSkimRecipient(caller, recipient common.Address) error
	SetFeeRate(caller common.Address, feeBps uint64) error
	SetStrategyParams(caller common.Address, params vault.StrategyParams) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine    VaultEngine
	Log       *slog.Logger
	Metrics   *metrics.VaultMetrics
	APITokens []string
	// RatePerSecond and RateBurst bound the mutating request rate. Zero
	// disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Server exposes the vault engine over HTTP.
type Server struct {
	engine  VaultEngine
	log     *slog.Logger
	metrics *metrics.VaultMetrics
	auth    *authenticator
	limiter *rate.Limiter

	router http.Handler
}

// New constructs a configured HTTP router with authentication and rate
// limiting on mutating routes.
func New(cfg Config) *Server {
	srv := &Server{
		engine:  cfg.Engine,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		auth:    newAuthenticator(cfg.APITokens, cfg.Log),
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		srv.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/vault", s.handleVault)
		api.Get("/vault/position", s.handlePosition)
		api.Get("/vault/preview/deposit", s.handlePreviewDeposit)
		api.Get("/vault/preview/withdraw", s.handlePreviewWithdraw)
		api.Get("/accounts/{address}", s.handleAccount)

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.middleware)
			protected.Use(s.throttle)

			protected.Post("/vault/deposit", s.handleDeposit)
			protected.Post("/vault/withdraw", s.handleWithdraw)
			protected.Post("/vault/rebalance", s.handleRebalance)
			protected.Post("/vault/emergency-unwind", s.handleEmergencyUnwind)
			protected.Post("/vault/skim", s.handleSkim)
			protected.Post("/vault/accrue", s.handleAccrue)

			protected.Post("/governance/timelock/submit", s.handleTimelockSubmit)
			protected.Post("/governance/timelock/accept", s.handleTimelockAccept)
			protected.Post("/governance/timelock/revoke", s.handleTimelockRevoke)
			protected.Post("/governance/guardian/submit", s.handleGuardianSubmit)
			protected.Post("/governance/guardian/accept", s.handleGuardianAccept)
			protected.Post("/governance/guardian/revoke", s.handleGuardianRevoke)
			protected.Post("/governance/ceiling/submit", s.handleCeilingSubmit)
			protected.Post("/governance/ceiling/accept", s.handleCeilingAccept)
			protected.Post("/governance/ceiling/revoke", s.handleCeilingRevoke)
			protected.Post("/governance/roles/owner", s.handleSetOwner)
			protected.Post("/governance/roles/curator", s.handleSetCurator)
			protected.Post("/governance/roles/allocator", s.handleSetAllocator)
			protected.Post("/governance/roles/fee-recipient", s.handleSetFeeRecipient)
			protected.Post("/governance/roles/skim-recipient", s.handleSetSkimRecipient)
			protected.Post("/governance/fee", s.handleFeeRate)
			protected.Post("/governance/strategy", s.handleStrategy)
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.metrics != nil {
			route := chi.RouteContext(r.Context()).RoutePattern()
			s.metrics.ObserveRequest(route, time.Since(start).Seconds())
		}
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type vaultResponse struct {
	TotalAssets     string               `json:"totalAssets"`
	TotalShares     string               `json:"totalShares"`
	FeeBps          uint64               `json:"feeBps"`
	Owner           string               `json:"owner"`
	Curator         string               `json:"curator"`
	Guardian        string               `json:"guardian"`
	TimelockSeconds uint64               `json:"timelockSeconds"`
	DepositCeiling  string               `json:"depositCeiling"`
	Strategy        vault.StrategyParams `json:"strategy"`
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.VaultSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.engine.TotalAssets()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultResponse{
		TotalAssets:     total.String(),
		TotalShares:     snapshot.TotalShares.String(),
		FeeBps:          snapshot.FeeBps,
		Owner:           snapshot.Owner.Hex(),
		Curator:         snapshot.Curator.Hex(),
		Guardian:        snapshot.Guardian.Value.Hex(),
		TimelockSeconds: snapshot.TimelockSeconds.Value,
		DepositCeiling:  snapshot.DepositCeiling.Value.String(),
		Strategy:        snapshot.Strategy.Clone(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.PositionSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	s.handlePreview(w, r, s.engine.PreviewDeposit)
}

func (s *Server) handlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handlePreview(w, r, s.engine.PreviewWithdraw)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, preview func(*big.Int) (*big.Int, error)) {
	assets, err := parseAmount(r.URL.Query().Get("assets"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := preview(assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assets": assets.String(), "shares": shares.String()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := s.engine.AccountSnapshot(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":  addr.Hex(),
		"base":     acc.BalanceBase.String(),
		"shares":   acc.BalanceShares.String(),
		"borrowed": acc.BalanceBorrowed.String(),
		"receipt":  acc.BalanceReceipt.String(),
	})
}

type transferRequest struct {
	Sender   string `json:"sender"`
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Asset    string `json:"asset"`
	Seconds  uint64 `json:"seconds"`
	Guardian string `json:"guardian"`
	Ceiling  string `json:"ceiling"`
	FeeBps   uint64 `json:"feeBps"`

	Curator   string `json:"curator"`
	Allocator string `json:"allocator"`
	Recipient string `json:"recipient"`
	Enabled   bool   `json:"enabled"`

	Strategy *strategyRequest `json:"strategy"`
}

type strategyRequest struct {
	TargetLeverageBps uint64 `json:"targetLeverageBps"`
	MaxIterations     uint64 `json:"maxIterations"`
	MinHealthFactor   string `json:"minHealthFactor"`
	VenueSplitBps     uint64 `json:"venueSplitBps"`
}

func decodeRequest(r *http.Request) (*transferRequest, error) {
	defer r.Body.Close()
	req := &transferRequest{}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	sender, err := parseAddress(req.Sender)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := s.engine.Deposit(sender, receiver, assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDeposit()
	}
	s.log.Info("deposit accepted", "receiver", receiver.Hex(), "assets", assets.String(), "shares", shares.String())
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	receiver, err := parseAddress(req.Receiver)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := s.engine.Withdraw(caller, receiver, owner, assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveWithdrawal()
	}
	s.log.Info("withdrawal accepted", "owner", owner.Hex(), "assets", assets.String(), "shares", shares.String())
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, func(caller common.Address) error {
		if err := s.engine.Rebalance(caller); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveRebalance()
		}
		return nil
	})
}

func (s *Server) handleEmergencyUnwind(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, func(caller common.Address) error {
		if err := s.engine.EmergencyUnwind(caller); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveEmergencyUnwind()
		}
		s.log.Warn("emergency unwind executed", "caller", caller.Hex())
		return nil
	})
}

func (s *Server) handleSkim(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := s.engine.Skim(caller, vault.Asset(strings.TrimSpace(req.Asset)))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.AccrueFee(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accrued"})
}

func (s *Server) handleTimelockSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SubmitTimelock(caller, req.Seconds); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (s *Server) handleTimelockAccept(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.AcceptTimelock)
}

func (s *Server) handleTimelockRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.RevokeTimelock)
}

func (s *Server) handleGuardianSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	guardian, err := parseAddress(req.Guardian)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SubmitGuardian(caller, guardian); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (s *Server) handleGuardianAccept(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.AcceptGuardian)
}

func (s *Server) handleGuardianRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.RevokeGuardianChange)
}

func (s *Server) handleCeilingSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	ceiling, err := parseAmount(req.Ceiling)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SubmitDepositCeiling(caller, ceiling); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (s *Server) handleCeilingAccept(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.AcceptDepositCeiling)
}

func (s *Server) handleCeilingRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, s.engine.RevokeDepositCeiling)
}

func (s *Server) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	s.handleRoleUpdate(w, r, func(req *transferRequest) string { return req.Owner }, s.engine.SetOwner)
}

func (s *Server) handleSetCurator(w http.ResponseWriter, r *http.Request) {
	s.handleRoleUpdate(w, r, func(req *transferRequest) string { return req.Curator }, s.engine.SetCurator)
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	s.handleRoleUpdate(w, r, func(req *transferRequest) string { return req.Recipient }, s.engine.SetFeeRecipient)
}

func (s *Server) handleSetSkimRecipient(w http.ResponseWriter, r *http.Request) {
	s.handleRoleUpdate(w, r, func(req *transferRequest) string { return req.Recipient }, s.engine.SetSkimRecipient)
}

// handleSetAllocator carries an enabled flag, so it cannot share the two
// address role helper.
func (s *Server) handleSetAllocator(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	allocator, err := parseAddress(req.Allocator)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetAllocator(caller, allocator, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRoleUpdate(w http.ResponseWriter, r *http.Request, pick func(*transferRequest) string, update func(caller, addr common.Address) error) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress(pick(req))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := update(caller, addr); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleFeeRate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetFeeRate(caller, req.FeeBps); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Strategy == nil {
		writeErrorMessage(w, http.StatusBadRequest, "strategy required")
		return
	}
	health, err := parseAmount(req.Strategy.MinHealthFactor)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	params := vault.StrategyParams{
		TargetLeverageBps: req.Strategy.TargetLeverageBps,
		MaxIterations:     req.Strategy.MaxIterations,
		MinHealthFactor:   health,
		VenueSplitBps:     req.Strategy.VenueSplitBps,
	}
	if err := s.engine.SetStrategyParams(caller, params); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleCallerOnly(w http.ResponseWriter, r *http.Request, fn func(common.Address) error) {
	req, err := decodeRequest(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := fn(caller); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("address required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
