package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"layeh.com/radius"

	"github.com/codelaboratoryltd/radiusd/pkg/accounting"
	"github.com/codelaboratoryltd/radiusd/pkg/auth"
	"github.com/codelaboratoryltd/radiusd/pkg/coa"
	"github.com/codelaboratoryltd/radiusd/pkg/config"
	"github.com/codelaboratoryltd/radiusd/pkg/directory"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/nas"
	"github.com/codelaboratoryltd/radiusd/pkg/pool"
	"github.com/codelaboratoryltd/radiusd/pkg/server"
	"github.com/codelaboratoryltd/radiusd/pkg/worker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radiusd",
	Short: "RADIUS AAA engine for broadband subscriber management",
	Long: `radiusd - authentication, accounting and authorization daemon
for ISP edge deployments.

Speaks RADIUS (PAP and MS-CHAPv2) towards the NAS fleet, manages IP
pools, and resolves duplicate-address conflicts via CoA disconnects.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the AAA engine",
	RunE:  runServer,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Verify CoA secrets against every configured NAS",
	RunE:  runProbe,
}

var (
	configFile   string
	logLevel     string
	authAddr     string
	acctAddr     string
	metricsAddr  string
	ipManagement bool
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, probeCmd} {
		cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/radiusd/config.yaml",
			"Configuration file path")
		cmd.Flags().StringVarP(&logLevel, "log-level", "l", "",
			"Log level (debug, info, warn, error); overrides config")
	}
	runCmd.Flags().StringVar(&authAddr, "auth-addr", "",
		"Authentication listen address; overrides config")
	runCmd.Flags().StringVar(&acctAddr, "acct-addr", "",
		"Accounting listen address; overrides config")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Prometheus metrics listen address; overrides config")
	runCmd.Flags().BoolVar(&ipManagement, "ip-management", false,
		"Enable server-side IP pool assignment; overrides config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting radiusd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("auth_addr", cfg.AuthAddr),
		zap.String("acct_addr", cfg.AcctAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store := directory.NewMemoryStore(logger)
	poolMgr := pool.NewManager(store, logger)
	if err := seedDirectory(ctx, store, poolMgr, cfg, logger); err != nil {
		return fmt.Errorf("failed to seed directory: %w", err)
	}

	table := nas.NewTable(store, logger)
	if err := table.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load NAS table: %w", err)
	}

	if _, err := poolMgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile pools: %w", err)
	}

	workers := worker.NewPool(worker.Config{
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
	}, logger)
	if err := workers.Start(); err != nil {
		return err
	}
	defer workers.Stop()

	poolNames := make([]string, 0, len(cfg.Seed.Pools))
	for _, p := range cfg.Seed.Pools {
		poolNames = append(poolNames, p.Name)
	}
	m := metrics.New(poolMgr, workers, poolNames, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	go m.StartCollector(ctx, cfg.CollectInterval.Std())

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		metricsServer.Shutdown(shutdownCtx)
	}()

	engine := auth.NewEngine(store, table, poolMgr, workers, m, auth.Config{
		DefaultSessionTimeout: cfg.DefaultSessionTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		IPManagement:          cfg.IPManagement,
	}, logger)

	coaClient := coa.NewClient(cfg.CoATimeout.Std(), logger)
	machine := accounting.NewMachine(store, table, poolMgr, coaClient, workers, m, accounting.Config{
		IPManagement: cfg.IPManagement,
	}, logger)

	srv := server.New(server.Config{
		AuthAddr: cfg.AuthAddr,
		AcctAddr: cfg.AcctAddr,
	}, radius.HandlerFunc(engine.Handle), radius.HandlerFunc(machine.Handle), table, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	return srv.Run(ctx)
}

// runProbe checks that each configured NAS answers CoA with the shared
// secret we hold for it.
func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	client := coa.NewClient(cfg.CoATimeout.Std(), logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failures := 0
	for _, n := range cfg.Seed.NAS {
		ports := []int{coa.DefaultPort, coa.LegacyPort}
		if n.CoAPort > 0 {
			ports = []int{n.CoAPort}
		}
		status := client.ProbeSecret(ctx, n.Address, n.Secret, ports...)
		if status == coa.SecretValid {
			fmt.Printf("%-20s %-16s OK\n", n.Name, n.Address)
		} else {
			fmt.Printf("%-20s %-16s NO REPLY\n", n.Name, n.Address)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d NAS did not confirm the secret", failures, len(cfg.Seed.NAS))
	}
	return nil
}

// applyFlags lets explicitly-set CLI flags override config file values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("auth-addr") {
		cfg.AuthAddr = authAddr
	}
	if cmd.Flags().Changed("acct-addr") {
		cfg.AcctAddr = acctAddr
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("ip-management") {
		cfg.IPManagement = ipManagement
	}
}

// seedDirectory loads the config's seed block into the in-memory
// directory and imports the declared pool ranges.
func seedDirectory(ctx context.Context, store *directory.MemoryStore, mgr *pool.Manager, cfg *config.Config, logger *zap.Logger) error {
	for _, n := range cfg.Seed.NAS {
		store.PutNAS(&directory.NAS{
			Name:          n.Name,
			Address:       n.Address,
			Secret:        n.Secret,
			CoAPort:       n.CoAPort,
			AllowedRealms: n.AllowedRealms,
		})
	}

	for _, s := range cfg.Seed.Subscribers {
		status := directory.SubscriberStatus(s.Status)
		if status == "" {
			status = directory.StatusActive
		}
		store.PutSubscriber(&directory.Subscriber{
			Username:   s.Username,
			Password:   s.Password,
			Status:     status,
			ExpiresAt:  s.ExpiresAt,
			StaticIP:   s.StaticIP,
			MACAddress: s.MAC,
			BindMAC:    s.BindMAC,
			Plan: directory.Plan{
				Name:               s.Plan.Name,
				PoolName:           s.Plan.Pool,
				UploadSpeed:        s.Plan.UploadSpeed,
				DownloadSpeed:      s.Plan.DownloadSpeed,
				BurstUpload:        s.Plan.BurstUpload,
				BurstDownload:      s.Plan.BurstDownload,
				BurstThresholdUp:   s.Plan.BurstThresholdUp,
				BurstThresholdDown: s.Plan.BurstThresholdDown,
				BurstTimeUp:        s.Plan.BurstTimeUp,
				BurstTimeDown:      s.Plan.BurstTimeDown,
			},
		})
	}

	for _, p := range cfg.Seed.Pools {
		count, err := mgr.Import(ctx, p.Name, p.Ranges, p.NAS)
		if err != nil {
			return fmt.Errorf("import pool %s: %w", p.Name, err)
		}
		logger.Info("Imported pool",
			zap.String("pool", p.Name),
			zap.Int("addresses", count),
		)
	}

	logger.Info("Directory seeded",
		zap.Int("nas", len(cfg.Seed.NAS)),
		zap.Int("subscribers", len(cfg.Seed.Subscribers)),
		zap.Int("pools", len(cfg.Seed.Pools)),
	)
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "", "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Encoding = "json"

	return cfg.Build()
}
