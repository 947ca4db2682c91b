package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/config"
	"github.com/swarmguard/cis-core/internal/decision"
	"github.com/swarmguard/cis-core/internal/events"
	"github.com/swarmguard/cis-core/internal/guard"
	"github.com/swarmguard/cis-core/internal/logging"
	"github.com/swarmguard/cis-core/internal/memory"
	"github.com/swarmguard/cis-core/internal/persistence"
	"github.com/swarmguard/cis-core/internal/replication"
	"github.com/swarmguard/cis-core/internal/scheduler"
	"github.com/swarmguard/cis-core/internal/skill"
	"github.com/swarmguard/cis-core/internal/transport"
	"github.com/swarmguard/cis-core/internal/usergate"
)

// app bundles every component a run needs, built once at process startup.
// Grounded in services/orchestrator/main.go's construct-then-serve shape:
// the daemon (serve.go) and the standalone CLI path (dagrun.go) share this
// same wiring, differing only in what drives the Scheduler afterward.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	nodeID   string
	kv       *persistence.KvStore
	dagStore *persistence.DagStore
	store    *memory.Store
	guard    *guard.Guard
	gate     *usergate.Gate
	registry *skill.Registry
	executor *skill.Executor
	events   *events.Registry
	decision *decision.Engine
	pool     *scheduler.Pool
	sched    *scheduler.Scheduler
	repl     *replication.Coordinator
	cron     *scheduler.CronTrigger

	closers []func()
}

func buildApp() (*app, error) {
	log := logging.Init("cisd")

	cfg, err := config.Load(os.Getenv("CIS_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	nodeID := os.Getenv("CIS_NODE_ID")
	if nodeID == "" {
		nodeID = "cisd-local"
	}

	dataDir := os.Getenv("CIS_DATA_DIR")
	if dataDir == "" {
		dataDir = "./cisd-data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	a := &app{cfg: cfg, log: log, nodeID: nodeID}

	kv, err := persistence.OpenKvStore(filepath.Join(dataDir, "memory.db"))
	if err != nil {
		return nil, err
	}
	a.kv = kv
	a.addCloser(func() { _ = kv.Close() })

	dagStore, err := persistence.OpenDagStore(filepath.Join(dataDir, "dag.db"))
	if err != nil {
		return nil, err
	}
	a.dagStore = dagStore
	a.addCloser(func() { _ = dagStore.Close() })

	enc, err := buildEncryptor(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	a.events = events.New(log)

	// The public-write hook is registered at Store construction time but
	// forwards through a, which a.repl is only assigned into later in this
	// function: no public write reaches the hook until after buildApp
	// returns and a caller starts issuing writes, by which point a.repl is
	// always set.
	storeOpts := []memory.Option{memory.WithPublicWriteHook(a.onPublicWrite)}
	if cfg.Cache.Enabled {
		storeOpts = append(storeOpts, memory.WithCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.DefaultTTLS)*time.Second))
	}
	vindex, err := persistence.NewVectorIndexWithCache(filepath.Join(dataDir, "vectors.db"))
	if err != nil {
		return nil, err
	}
	a.addCloser(func() { _ = vindex.Close() })
	storeOpts = append(storeOpts, memory.WithVectorIndex(vindex))
	a.store = memory.New(nodeID, kv, enc, storeOpts...)

	if !cfg.Replication.EnforceCheck {
		log.Warn("replication.enforce_check is disabled; pre-flight conflict checks still run, but a deployer turning this off is expected to know why")
	}
	a.guard = guard.New(a.store)
	a.gate = usergate.New()
	a.decision = decision.New(cfg.Decision, a.gate, a.events, nil, log)

	lifecycle := skill.NewLifecycleStore(kv)
	a.registry = skill.NewRegistry(lifecycle)
	if err := registerBuiltinSkills(a.registry); err != nil {
		return nil, err
	}
	a.executor = skill.NewExecutor(a.registry)

	a.pool = scheduler.NewPool(runtimeWorkers(), 256)
	a.addCloser(a.pool.Stop)
	a.sched = scheduler.New(a.pool, a.decision, a.guard, a.executor, a.events, dagStore, log)
	a.cron = scheduler.NewCronTrigger(a.sched, log)
	a.cron.Start()
	a.addCloser(a.cron.Stop)

	peerTransport, err := buildTransport(cfg.Replication)
	if err != nil {
		return nil, err
	}
	a.repl = replication.New(nodeID, a.store, peerTransport, a.events, cfg.Replication, log)
	if cfg.Replication.Enabled {
		if err := a.repl.Start(context.Background()); err != nil {
			log.Warn("replication: start failed, continuing without peer sync", "error", err)
		}
		a.addCloser(a.repl.Stop)
	}

	return a, nil
}

// onPublicWrite is the memory.PublicWriteHook registered at Store
// construction; it is a method (not a closure over a not-yet-built local)
// so it can safely reference a.repl, which is always set by the time any
// caller outside buildApp can trigger a public-domain write.
func (a *app) onPublicWrite(ctx context.Context, entry memory.Entry) {
	if a.repl == nil {
		return
	}
	a.repl.OnPublicWrite(ctx, entry)
}

func (a *app) addCloser(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runtimeWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}

func buildEncryptor(cfg config.Encryption) (*memory.Encryptor, error) {
	var key []byte
	switch cfg.NodeKeySource {
	case "file":
		if cfg.NodeKeyPath == "" {
			return nil, fmt.Errorf("encryption.node_key_source=file requires node_key_path")
		}
		raw, err := os.ReadFile(cfg.NodeKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read node key file %q: %w", cfg.NodeKeyPath, err)
		}
		key = raw
	case "env", "":
		envVar := cfg.NodeKeyEnv
		if envVar == "" {
			envVar = "CIS_NODE_KEY"
		}
		if v := os.Getenv(envVar); v != "" {
			key = []byte(v)
		}
	default:
		return nil, fmt.Errorf("unknown encryption.node_key_source %q", cfg.NodeKeySource)
	}

	if len(key) == 0 {
		// No key configured: generate an ephemeral one so a demo/standalone
		// run still works, at the cost of private-domain data not
		// surviving a restart. A production deployment always sets
		// CIS_NODE_KEY or node_key_path.
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral node key: %w", err)
		}
	}

	return memory.NewEncryptorFromNodeKey(key)
}

func buildTransport(cfg config.Replication) (capability.PeerTransport, error) {
	if !cfg.Enabled {
		return noopTransport{}, nil
	}
	url := os.Getenv("CIS_NATS_URL")
	if url == "" {
		return noopTransport{}, nil
	}
	nodeID := os.Getenv("CIS_NODE_ID")
	if nodeID == "" {
		nodeID = "cisd-local"
	}
	return transport.Connect(url, nodeID)
}
