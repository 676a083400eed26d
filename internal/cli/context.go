package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/titan-data/titan/internal/audit"
	"github.com/titan-data/titan/internal/gc"
	"github.com/titan-data/titan/internal/lock"
	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/orchestrator"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/remote/nop"
	"github.com/titan-data/titan/internal/remote/s3"
	"github.com/titan-data/titan/internal/remote/ssh"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/internal/storage/kube"
	"github.com/titan-data/titan/internal/storage/local"
	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/config"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/metrics"
	"github.com/titan-data/titan/pkg/webhook"
)

// mode controls how much of the server an invocation brings up.
type mode int

const (
	// readOnly opens the metadata store only.
	readOnly mode = iota
	// exclusive also takes the data directory lease and reaps on close.
	exclusive
	// tracking additionally loads persisted operations.
	tracking
)

// app is everything one CLI invocation works with.
type app struct {
	cfg      *config.Config
	store    *metadata.Store
	locator  *orchestrator.Locator
	o        *orchestrator.Orchestrators
	webhooks *webhook.Client
	log      *logging.Logger

	mode   mode
	leases *lock.Manager
	lease  *lock.Record
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.Default().DataDir, config.FileName)
	}
	return config.Load(path)
}

// openApp loads the configuration and wires the orchestrators over it.
func openApp(ctx context.Context, m mode) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	log := logging.NewLogger(level)
	logging.SetGlobal(log)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, log: log, mode: m}
	if m >= exclusive {
		a.leases = lock.NewManager(cfg.DataDir, lock.DefaultTTL)
		if a.lease, err = a.leases.Acquire(purpose()); err != nil {
			return nil, err
		}
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.store, err = metadata.Open(cfg.MetadataPath()); err != nil {
		return nil, err
	}
	if err := a.store.Init(ctx); err != nil {
		return nil, err
	}
	rt, err := newRuntimeContext(cfg)
	if err != nil {
		return nil, err
	}

	a.webhooks = webhook.NewClient(webhookConfig(cfg.Webhooks))
	appender := audit.NewFileAppender(cfg.AuditPath())
	reg := metrics.Default()
	a.locator = &orchestrator.Locator{
		Store:    a.store,
		Context:  rt,
		Remotes:  newRegistry(),
		Metrics:  reg,
		Webhooks: a.webhooks,
		Audit:    appender,
		Log:      log,
	}
	a.locator.Reaper = gc.NewReaper(a.store, rt, gc.Config{
		MaxPasses: cfg.Reaper.MaxPasses,
		Audit:     appender,
		Metrics:   reg,
		Log:       log,
	})
	a.o = orchestrator.New(a.locator)

	if m >= exclusive {
		renewCtx, cancel := context.WithCancel(context.Background())
		a.stop = cancel
		a.wg.Add(1)
		go a.renew(renewCtx)
	}
	if m >= tracking {
		if err := a.o.Operations.LoadState(ctx); err != nil {
			return nil, err
		}
	}
	ok = true
	return a, nil
}

func purpose() string {
	if len(os.Args) > 1 {
		return strings.Join(os.Args[1:], " ")
	}
	return "titan"
}

// renew keeps the lease alive while the invocation runs.
func (a *app) renew(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(lock.DefaultTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := a.leases.Renew(a.lease.HolderNonce)
			if err != nil {
				a.log.ErrorErr("renew data directory lease failed", err)
				continue
			}
			a.lease = rec
		}
	}
}

// Close stops running operations, reaps what the invocation released and
// drops the lease.
func (a *app) Close() {
	if a.o != nil {
		a.o.Operations.Shutdown()
		if a.mode >= exclusive {
			if _, err := a.locator.Reaper.Drain(context.Background()); err != nil {
				a.log.ErrorErr("reap failed", err)
			}
		}
	}
	if a.webhooks != nil {
		a.webhooks.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.stop != nil {
		a.stop()
		a.wg.Wait()
	}
	if a.lease != nil {
		if err := a.leases.Release(a.lease.HolderNonce); err != nil {
			a.log.ErrorErr("release data directory lease failed", err)
		}
	}
}

// newRuntimeContext builds the storage context named by the configuration.
func newRuntimeContext(cfg *config.Config) (storage.RuntimeContext, error) {
	props := cfg.Context.Properties
	if props == nil {
		props = map[string]string{}
	}
	switch cfg.Context.Provider {
	case local.Provider:
		return local.FromProperties(props, cfg.DataDir)
	case kube.Provider:
		return kube.FromProperties(props)
	}
	return nil, errclass.ErrInvalidArgument.WithMessagef("unknown context provider '%s'", cfg.Context.Provider)
}

func newRegistry() *remote.Registry {
	return remote.NewRegistry(nop.New(), s3.New(), ssh.New())
}

func webhookConfig(hooks []config.WebhookConfig) *webhook.Config {
	cfg := webhook.DefaultConfig()
	cfg.Enabled = len(hooks) > 0
	for _, h := range hooks {
		hook := webhook.HookConfig{URL: h.URL, Secret: h.Secret, Enabled: true}
		for _, e := range h.Events {
			hook.Events = append(hook.Events, webhook.EventType(e))
		}
		cfg.Hooks = append(cfg.Hooks, hook)
	}
	return cfg
}

// withApp runs fn against an app opened in mode m.
func withApp(m mode, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx, m)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// parseProperties turns key=value pairs into a property bag. Integer and
// boolean values are typed so providers can decode them.
func parseProperties(pairs []string) (map[string]any, error) {
	props := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errclass.ErrInvalidArgument.WithMessagef("invalid property '%s', expected key=value", p)
		}
		if n, err := strconv.Atoi(v); err == nil {
			props[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			props[k] = b
		} else {
			props[k] = v
		}
	}
	return props, nil
}

// parseStringProperties is parseProperties without value typing.
func parseStringProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errclass.ErrInvalidArgument.WithMessagef("invalid property '%s', expected key=value", p)
		}
		props[k] = v
	}
	return props, nil
}

func fmtErr(format string, args ...any) {
	prefix := "titan: "
	if color.Enabled() {
		prefix = color.Error("titan:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
