package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/workerhost/audit"
	"github.com/tomyedwab/workerhost/channels"
	"github.com/tomyedwab/workerhost/config"
	"github.com/tomyedwab/workerhost/domains"
	"github.com/tomyedwab/workerhost/health"
	"github.com/tomyedwab/workerhost/metrics"
	"github.com/tomyedwab/workerhost/protocols"
	"github.com/tomyedwab/workerhost/types"
	"github.com/tomyedwab/workerhost/wasmdomain"
)

// processHandle stands in for the native worker's reference on the host.
type processHandle struct {
	refs atomic.Int32
}

func (p *processHandle) Release() int {
	return int(p.refs.Add(-1))
}

// appArg is one "virtualPath=module.wasm" argument.
type appArg struct {
	virtualPath string
	modulePath  string
}

func parseAppArgs(args []string) ([]appArg, error) {
	apps := make([]appArg, 0, len(args))
	for _, arg := range args {
		vpath, module, ok := strings.Cut(arg, "=")
		if !ok || !strings.HasPrefix(vpath, "/") || module == "" {
			return nil, fmt.Errorf("invalid application %q, expected /virtual/path=module.wasm", arg)
		}
		apps = append(apps, appArg{virtualPath: vpath, modulePath: module})
	}
	return apps, nil
}

// registerHandlerTypes fills the catalog and makes sure the default
// protocols are bound.
func registerHandlerTypes(catalog *config.Catalog, store *config.SQLBindings) error {
	err := catalog.Register("channels.basic", func() (any, error) {
		return channels.NewBasicHandler(nil), nil
	})
	if err != nil {
		return err
	}
	existing, err := store.List()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if err := store.Bind("net.pipe", types.ScopeAppDomain, "channels.basic"); err != nil {
		return err
	}
	return store.Bind("net.tcp", types.ScopeProcess, "channels.basic")
}

func main() {
	dbPath := flag.String("db", "workerhost.db", "Path to the sqlite database")
	listenAddr := flag.String("listen", ":9090", "Address for the health and metrics endpoints")
	siteID := flag.String("site", "1", "Site id for hosted applications")
	maxDomains := flag.Int("max-domains", 0, "Maximum number of live application domains (0 for no limit)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 2*time.Minute, "How long to wait for domains to drain")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	appArgs, err := parseAppArgs(flag.Args())
	if err != nil {
		logger.Error("Failed to parse applications", "error", err)
		os.Exit(2)
	}

	db, err := sqlx.Connect("sqlite3", *dbPath)
	if err != nil {
		logger.Error("Failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	auditLog, err := audit.NewLogger(db, logger)
	if err != nil {
		logger.Error("Failed to initialize audit log", "error", err)
		os.Exit(1)
	}

	catalog := config.NewCatalog()
	store, err := config.NewSQLBindings(db, catalog)
	if err != nil {
		logger.Error("Failed to initialize protocol bindings", "error", err)
		os.Exit(1)
	}
	if err := registerHandlerTypes(catalog, store); err != nil {
		logger.Error("Failed to register handler types", "error", err)
		os.Exit(1)
	}
	bindings := config.NewBindings(catalog)
	if err := store.LoadInto(bindings); err != nil {
		logger.Warn("Some protocol bindings were skipped", "error", err)
	}

	collector := metrics.NewPrometheusCollector("workerhost")

	manager, err := domains.NewManager(domains.Config{
		Factory:         wasmdomain.NewFactory(wasmdomain.WithLogger(logger)),
		Logger:          logger,
		MaxDomains:      *maxDomains,
		ShutdownTimeout: *shutdownTimeout,
		ErrorSink:       auditLog,
		Metrics:         collector,
	})
	if err != nil {
		logger.Error("Failed to create domain manager", "error", err)
		os.Exit(1)
	}
	defer manager.Release()
	manager.Open()

	native := &processHandle{}
	native.refs.Store(1)
	host, err := protocols.NewHost(protocols.Config{
		Applications: manager,
		Resolver:     bindings,
		Logger:       logger,
		Native:       native,
		ErrorSink:    auditLog,
		Metrics:      collector,
	})
	if err != nil {
		logger.Error("Failed to create protocol host", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, app := range appArgs {
		module, err := os.ReadFile(app.modulePath)
		if err != nil {
			logger.Error("Failed to read application module", "path", app.modulePath, "error", err)
			continue
		}
		physicalPath, _ := filepath.Abs(filepath.Dir(app.modulePath))
		hd := types.HostDescriptor{VirtualPath: app.virtualPath, PhysicalPath: physicalPath, SiteID: *siteID}
		appID := types.DeriveApplicationID(hd.VirtualPath, hd.PhysicalPath, hd.SiteID)
		if _, err := host.StartApplication(ctx, appID, hd, types.CreationParams{Module: module}); err != nil {
			logger.Error("Failed to start application", "appID", appID, "error", err)
			continue
		}
		logger.Info("Application started", "appID", appID, "virtualPath", app.virtualPath)
	}

	mux := http.NewServeMux()
	hc := health.NewHandler(manager, health.Options{MaxGoroutines: 10000})
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		logger.Info("Starting status server", "address", *listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Received signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout+10*time.Second)
	defer shutdownCancel()

	if err := host.Shutdown(shutdownCtx); err != nil {
		logger.Error("Host shutdown incomplete", "error", err)
	}
	manager.Close(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping status server", "error", err)
	}
	logger.Info("Worker host exited")
}
