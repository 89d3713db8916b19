package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	vaultconfig "loopvault/config"
	coreevents "loopvault/core/events"
	"loopvault/core/types"
	"loopvault/native/vault"
	"loopvault/observability/logging"
	"loopvault/observability/metrics"
	vaultserver "loopvault/services/vault/server"
	"loopvault/services/vaultd/config"
	"loopvault/services/vaultd/sim"
	"loopvault/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LOOPVAULT_ENV"))
	logger := logging.Setup("vaultd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	genesis, err := vaultconfig.Load(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("load vault config: %v", err)
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	store := storage.NewVaultStore(db)

	if err := seedGenesis(store, genesis, logger); err != nil {
		log.Fatalf("seed genesis state: %v", err)
	}

	engine, err := buildEngine(cfg, genesis, store, logger)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	vaultMetrics := metrics.Vault()
	srv := vaultserver.New(vaultserver.Config{
		Engine:        engine,
		Log:           logger,
		Metrics:       vaultMetrics,
		APITokens:     cfg.Auth.APITokens,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go refreshMetrics(ctx, engine, vaultMetrics)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("vaultd listening", "address", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}
}

func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dataDir, "vault"))
}

// seedGenesis installs the configured vault state on first start. An existing
// record wins; the config file only describes genesis, not running state.
func seedGenesis(store *storage.VaultStore, genesis *vaultconfig.Config, logger *slog.Logger) error {
	existing, err := store.GetVault()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	state, err := genesis.VaultState()
	if err != nil {
		return err
	}
	logger.Info("seeding genesis vault state",
		"owner", state.Owner.Hex(),
		"feeBps", state.FeeBps,
		"timelockSeconds", state.TimelockSeconds.Value,
	)
	return store.PutVault(state)
}

func buildEngine(cfg config.Config, genesis *vaultconfig.Config, store *storage.VaultStore, logger *slog.Logger) (*vault.Engine, error) {
	oracle := sim.NewOracle()
	for _, entry := range cfg.Sim.Rates {
		oracle.Set(vault.Asset(entry.From), vault.Asset(entry.To), entry.RateWad())
	}
	staker := sim.NewStaker(cfg.StakerRateWad())

	var primary, secondary vault.CreditVenue
	for i, entry := range cfg.Sim.Venues {
		venue := sim.NewVenue(entry.Name, entry.LTVBps, oracle)
		if i == 0 {
			primary = venue
		} else {
			secondary = venue
		}
	}

	engine := vault.NewEngine(genesis.ModuleAddr())
	engine.SetState(store)
	engine.SetVenues(primary, secondary)
	engine.SetStakingConverter(staker)
	engine.SetOracle(oracle)
	engine.SetEmitter(logEmitter{log: logger})
	return engine, nil
}

// logEmitter writes engine events to the structured log. Events that carry a
// typed payload expose it through an Event() accessor; the rest log their type
// only.
type logEmitter struct {
	log *slog.Logger
}

func (e logEmitter) Emit(evt coreevents.Event) {
	if evt == nil {
		return
	}
	provider, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		e.log.Info(evt.EventType())
		return
	}
	record := provider.Event()
	if record == nil {
		return
	}
	attrs := make([]any, 0, len(record.Attributes)*2)
	for key, value := range record.Attributes {
		attrs = append(attrs, key, value)
	}
	e.log.Info(record.Type, attrs...)
}

// refreshMetrics keeps the valuation and loop gauges current.
func refreshMetrics(ctx context.Context, engine *vault.Engine, m *metrics.VaultMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		total, err := engine.TotalAssets()
		if err != nil {
			continue
		}
		snapshot, err := engine.VaultSnapshot()
		if err != nil {
			continue
		}
		pos, err := engine.PositionSnapshot()
		if err != nil {
			continue
		}
		totalAssets, _ := new(big.Float).SetInt(total).Float64()
		totalShares, _ := new(big.Float).SetInt(snapshot.TotalShares).Float64()
		borrowed, _ := new(big.Float).SetInt(pos.TotalBorrowed).Float64()
		m.SetValuation(totalAssets, totalShares)
		m.SetLoopState(float64(pos.Iterations), borrowed)
	}
}
