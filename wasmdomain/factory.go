// Package wasmdomain backs each application domain with its own wazero
// runtime running the application's WebAssembly module. A module that is
// closed, by the application exiting or by the host, unloads its domain.
package wasmdomain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tomyedwab/workerhost/sandbox"
	"github.com/tomyedwab/workerhost/types"
)

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger for the factory and its domains.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithRuntimeConfig sets the wazero runtime configuration used for every
// domain.
func WithRuntimeConfig(cfg wazero.RuntimeConfig) Option {
	return func(f *Factory) {
		f.runtimeConfig = cfg
	}
}

// WithDomainOptions passes options through to every sandbox domain.
func WithDomainOptions(opts ...sandbox.Option) Option {
	return func(f *Factory) {
		f.domainOpts = append(f.domainOpts, opts...)
	}
}

// Factory creates wasm-backed domains.
type Factory struct {
	logger        *slog.Logger
	runtimeConfig wazero.RuntimeConfig
	domainOpts    []sandbox.Option
}

// NewFactory returns a DomainFactory that instantiates CreationParams.Module
// for each domain.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		logger:        slog.Default(),
		runtimeConfig: wazero.NewRuntimeConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "wasmdomain")
	return f
}

// Domain is a sandbox domain whose application code runs in a wasm module.
type Domain struct {
	*sandbox.Domain
	runtime wazero.Runtime
	module  api.Module
}

// Module returns the application's module.
func (d *Domain) Module() api.Module {
	return d.module
}

// Call invokes an exported function of the application module.
func (d *Domain) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if !d.IsLive() {
		return nil, types.ErrDomainUnloaded
	}
	fn := d.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("module %s does not export %q", d.module.Name(), name)
	}
	return fn.Call(ctx, params...)
}

// CreateDomain implements types.DomainFactory.
func (f *Factory) CreateDomain(ctx context.Context, req types.CreateRequest, events types.DomainEvents) (types.Domain, error) {
	if len(req.Params.Module) == 0 {
		return nil, fmt.Errorf("%w: no application module for %s", types.ErrInvalidArgument, req.ApplicationID)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, f.runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	mod, err := rt.InstantiateWithConfig(ctx, req.Params.Module, moduleConfig(req))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module for %s: %w", req.ApplicationID, err)
	}

	// Reactor modules expect _initialize before any other export is used.
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to call _initialize for %s: %w", req.ApplicationID, err)
		}
	}

	opts := append([]sandbox.Option{sandbox.WithLogger(f.logger)}, f.domainOpts...)
	opts = append(opts,
		sandbox.WithLivenessProbe(func() bool { return !mod.IsClosed() }),
		sandbox.WithShutdownHook(func(ctx context.Context) error { return rt.Close(ctx) }),
	)
	dom, err := sandbox.New(req, events, opts...)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	f.logger.Info("Module instantiated", "appID", req.ApplicationID, "module", mod.Name())
	return &Domain{Domain: dom, runtime: rt, module: mod}, nil
}

// moduleConfig names the module after the application and exposes the
// creation settings as environment variables.
func moduleConfig(req types.CreateRequest) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(string(req.ApplicationID)).
		WithStartFunctions().
		WithEnv("APP_ID", string(req.ApplicationID)).
		WithEnv("APP_VIRTUAL_PATH", req.Host.VirtualPath).
		WithEnv("APP_PHYSICAL_PATH", req.Host.PhysicalPath).
		WithEnv("APP_SITE_ID", req.Host.SiteID)

	keys := make([]string, 0, len(req.Params.Settings))
	for k := range req.Params.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, req.Params.Settings[k])
	}
	return cfg
}

var (
	_ types.DomainFactory = (*Factory)(nil)
	_ types.Domain        = (*Domain)(nil)
)
