// Package app wires the relay's core services into a samber/do injector.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/lifecycle"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/nfrund/dmrelay/internal/presence"
	"github.com/nfrund/dmrelay/internal/pubsub"
	"github.com/nfrund/dmrelay/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"
)

// Tracing holds the bus tracer and the flush function of its provider.
type Tracing struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// NewInjector registers every core service provider. Services are built
// lazily on first Invoke.
func NewInjector(cfg config.Provider) do.Injector {
	i := do.New()

	do.ProvideValue(i, cfg)
	do.ProvideValue(i, &closers{})
	do.Provide(i, providePrometheus)
	do.Provide(i, provideMetrics)
	do.Provide(i, provideTracing)
	do.Provide(i, provideBus)
	do.Provide(i, provideStores)
	do.Provide(i, provideTokens)
	do.Provide(i, provideRegistry)
	do.Provide(i, provideBroadcaster)
	do.Provide(i, provideRouter)
	do.Provide(i, provideLifecycle)

	return i
}

func providePrometheus(i do.Injector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

// provideMetrics registers the relay collectors on the served registry, or
// on a private one when metrics are disabled so callers never branch.
func provideMetrics(i do.Injector) (*metrics.Relay, error) {
	cfg := do.MustInvoke[config.Provider](i)
	if !cfg.GetMetricsEnabled() {
		return metrics.New(prometheus.NewRegistry())
	}
	return metrics.New(do.MustInvoke[*prometheus.Registry](i))
}

func provideTracing(i do.Injector) (*Tracing, error) {
	tracer, shutdown, err := pubsub.SetupOTel(context.Background(), pubsub.LoadTracingConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	do.MustInvoke[*closers](i).add("tracing", shutdown)
	return &Tracing{Tracer: tracer, Shutdown: shutdown}, nil
}

func provideBus(i do.Injector) (*pubsub.WatermillBridge, error) {
	tracing := do.MustInvoke[*Tracing](i)
	bus := pubsub.NewWatermillBridge(pubsub.WithTracer(tracing.Tracer))
	do.MustInvoke[*closers](i).add("bus", func(context.Context) error { return bus.Close() })
	return bus, nil
}

func provideTokens(i do.Injector) (*auth.Tokens, error) {
	cfg := do.MustInvoke[config.Provider](i)
	return auth.NewTokens(cfg.GetJWTSecret(), cfg.GetJWTTTL()), nil
}

// provideRegistry builds the registry. provideBroadcaster attaches itself as
// the registry's change listener.
func provideRegistry(i do.Injector) (*presence.Registry, error) {
	return presence.NewRegistry(presence.WithMetrics(do.MustInvoke[*metrics.Relay](i))), nil
}

func provideBroadcaster(i do.Injector) (*presence.Broadcaster, error) {
	reg := do.MustInvoke[*presence.Registry](i)
	b := presence.NewBroadcaster(reg, presence.WithBroadcastMetrics(do.MustInvoke[*metrics.Relay](i)))
	reg.OnChange(b.Notify)
	return b, nil
}

func provideRouter(i do.Injector) (*router.Router, error) {
	cfg := do.MustInvoke[config.Provider](i)
	stores := do.MustInvoke[*Stores](i)
	return router.New(stores.Messages, do.MustInvoke[*presence.Registry](i),
		router.WithEchoToSender(cfg.GetEchoToSender()),
		router.WithPublisher(do.MustInvoke[*pubsub.WatermillBridge](i)),
		router.WithMetrics(do.MustInvoke[*metrics.Relay](i)),
	), nil
}

func provideLifecycle(i do.Injector) (*lifecycle.Manager, error) {
	cfg := do.MustInvoke[config.Provider](i)
	// The broadcaster must be listening before the first registration.
	do.MustInvoke[*presence.Broadcaster](i)

	return lifecycle.New(
		do.MustInvoke[*auth.Tokens](i),
		do.MustInvoke[*presence.Registry](i),
		do.MustInvoke[*router.Router](i),
		lifecycle.WithPublisher(do.MustInvoke[*pubsub.WatermillBridge](i)),
		lifecycle.WithMetrics(do.MustInvoke[*metrics.Relay](i)),
		lifecycle.WithConfig(lifecycle.Config{
			HeartbeatInterval: cfg.GetHeartbeatInterval(),
			HeartbeatTimeout:  cfg.GetHeartbeatTimeout(),
			SendBuffer:        cfg.GetSendBufferSize(),
			WriteTimeout:      cfg.GetWriteTimeout(),
		}),
	), nil
}

// closers collects the release functions of built services.
type closers struct {
	mu  sync.Mutex
	fns []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func (c *closers) add(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, namedCloser{name: name, fn: fn})
}

// Close releases the services that hold external resources in the reverse
// of the order they were built. Services that were never built are skipped.
func Close(ctx context.Context, i do.Injector) error {
	c := do.MustInvoke[*closers](i)
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	var errs []error
	for idx := len(fns) - 1; idx >= 0; idx-- {
		if err := fns[idx].fn(ctx); err != nil {
			slog.Error("Failed to close service", "service", fns[idx].name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", fns[idx].name, err))
		}
	}
	return errors.Join(errs...)
}
