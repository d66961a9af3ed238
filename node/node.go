// Package node assembles the drift components into a runnable server:
// storage, etag generation, tombstone retention, the outbound replication
// stack, the admin surface and the optional instance registry.
package node

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/driftdb/drift/clustering"
	"github.com/driftdb/drift/etag"
	"github.com/driftdb/drift/node/admin"
	"github.com/driftdb/drift/node/ratelimiting"
	"github.com/driftdb/drift/node/system"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/executor"
	"github.com/driftdb/drift/replication/health"
	"github.com/driftdb/drift/replication/topology"
	"github.com/driftdb/drift/storage"
	"github.com/driftdb/drift/tombstones"
	"github.com/driftdb/drift/utils/netutils"
	"github.com/driftdb/drift/utils/sliceutils"
)

// restartsKey holds the persisted etag restart counter in the meta list.
var restartsKey = []byte("etag/restarts")

const etcdDialTimeout = 5 * time.Second

type ServicePorts struct {
	Admin int `json:"a,omitempty"`
}

// StartupInfo is passed to the startup callback once the node is serving.
type StartupInfo struct {
	MemberID       string
	ServerID       string
	PublicURL      string
	AdvertisePorts ServicePorts
}

type ReconfigureOptions struct {
	RateLimit int
}

type Config struct {
	Logger *zap.Logger

	// ServerID is the node's stable replication identity; peers use it to
	// claim nodes during crawls. A random one is generated when empty,
	// which is only suitable for throwaway nodes.
	ServerID string

	// PublicURL is the base URL peers dial this node back on. When empty
	// it is derived from the bind address and the bound admin port.
	PublicURL string

	BindAddress   string
	BindAdminPort int

	// DataDir holds the node's storage file. Empty selects a process-local
	// in-memory store.
	DataDir string

	Stores []replication.StoreDefinition

	// InboundCredentials guard this node's replication endpoints. The
	// operator endpoints are not affected.
	InboundCredentials replication.Credentials

	// DefaultCredentials are presented to peers whose destination entries
	// carry no credentials of their own.
	DefaultCredentials replication.Credentials

	RequestTimeout time.Duration

	// MaxProbes bounds concurrent outbound requests for both health
	// checks and crawls.
	MaxProbes int

	CrawlInterval time.Duration

	// CrawlDepth bounds mesh crawls the same way the discoverer treats
	// it: negative selects the built-in default and zero fetches only
	// the roots.
	CrawlDepth int

	RateLimit int

	TlsCertificate tls.Certificate

	// EtcdEndpoints enable the instance registry when non-empty.
	EtcdEndpoints []string
	EtcdPrefix    string

	// Daemon keeps the node retrying failed startups instead of
	// returning the error from Run.
	Daemon bool
	Debug  bool

	StartupCallback func(*StartupInfo)
}

type Node struct {
	config Config
	logger *zap.Logger

	rateLimiter *ratelimiting.GlobalRateLimiter

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewNode(config *Config) (*Node, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	nodeConfig := *config

	if nodeConfig.ServerID == "" {
		nodeConfig.ServerID = uuid.NewString()
		logger.Warn("no server id configured, generated an ephemeral one",
			zap.String("serverID", nodeConfig.ServerID))
	}

	seenStores := make(map[string]struct{}, len(nodeConfig.Stores))
	for _, storeDef := range nodeConfig.Stores {
		if err := storeDef.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seenStores[storeDef.Name]; ok {
			return nil, fmt.Errorf("duplicate store name %q", storeDef.Name)
		}
		seenStores[storeDef.Name] = struct{}{}
	}

	if nodeConfig.BindAdminPort < 0 && nodeConfig.PublicURL == "" {
		return nil, fmt.Errorf("must specify a public url when the admin listener is disabled")
	}

	rateLimit := nodeConfig.RateLimit
	if rateLimit < 0 {
		rateLimit = 0
	}

	return &Node{
		config:      nodeConfig,
		logger:      logger,
		rateLimiter: ratelimiting.NewGlobalRateLimiter(uint64(rateLimit), time.Second),
		shutdownCh:  make(chan struct{}),
	}, nil
}

// Run starts the node and blocks until the context ends, Shutdown is
// called, or startup fails. Context cancellation stops serving abruptly;
// Shutdown drains in-flight requests first.
func (n *Node) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		started, err := n.runInstance(ctx)
		if err == nil {
			return nil
		}
		if started || !n.config.Daemon {
			return err
		}

		delay := b.NextBackOff()
		n.logger.Warn("node failed to start, retrying",
			zap.Error(err),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		case <-n.shutdownCh:
			return err
		}
	}
}

// Shutdown begins a graceful stop of a running node. It is safe to call
// more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
	})
}

// Reconfigure applies the settings that can change without a restart.
func (n *Node) Reconfigure(opts *ReconfigureOptions) error {
	rateLimit := opts.RateLimit
	if rateLimit < 0 {
		rateLimit = 0
	}

	n.rateLimiter.ResetAndUpdateRateLimit(uint64(rateLimit), time.Second)
	n.logger.Info("updated rate limit", zap.Int("rateLimit", rateLimit))

	return nil
}

// runInstance builds one full instance of the node and serves it until the
// run ends. The returned flag reports whether the instance reached the
// serving state, which is what separates startup failures from the rest.
func (n *Node) runInstance(ctx context.Context) (bool, error) {
	config := n.config
	logger := n.logger

	memberID := uuid.NewString()

	store, err := n.openStore()
	if err != nil {
		return false, err
	}

	restarts, err := bumpRestartCounter(ctx, store)
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}
	etagGen := etag.NewGenerator(restarts, 0)

	recorder, err := tombstones.NewRecorder(tombstones.RecorderOptions{
		Store:  store,
		Etags:  etagGen,
		Logger: logger.Named("tombstones"),
	})
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}

	purger, err := tombstones.NewPurger(tombstones.PurgerOptions{
		Store:  store,
		Logger: logger.Named("tombstones"),
	})
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}

	exec := executor.NewExecutor(executor.ExecutorOptions{
		Logger:  logger.Named("executor"),
		Timeout: config.RequestTimeout,
	})

	checker, err := health.NewChecker(health.CheckerOptions{
		Logger:      logger.Named("health"),
		Executor:    exec,
		MaxInFlight: config.MaxProbes,
	})
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}

	discoverer, err := topology.NewDiscoverer(topology.DiscovererOptions{
		Logger:             logger.Named("topology"),
		Executor:           exec,
		MaxInFlight:        config.MaxProbes,
		DefaultCredentials: config.DefaultCredentials,
	})
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}

	listeners, err := system.NewListeners(&system.ListenersOptions{
		Address:   config.BindAddress,
		AdminPort: config.BindAdminPort,
	})
	if err != nil {
		return false, multierr.Append(err, store.Close())
	}

	var tlsConfig *tls.Config
	if len(config.TlsCertificate.Certificate) > 0 {
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{config.TlsCertificate},
		}
	}

	boundAdminPort := listeners.BoundAdminPort()

	publicURL := config.PublicURL
	if publicURL == "" {
		advertiseAddr, err := netutils.GetAdvertiseAddress(config.BindAddress)
		if err != nil {
			err = fmt.Errorf("failed to derive an advertise address: %w", err)
			return false, multierr.Combine(err, listeners.Close(), store.Close())
		}

		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s:%d", scheme, advertiseAddr, boundAdminPort)

		logger.Info("derived public url", zap.String("publicURL", publicURL))
	}

	var crawlRoots []replication.PeerDestination
	for _, storeDef := range config.Stores {
		if !storeDef.ReplicationEnabled {
			continue
		}
		crawlRoots = append(crawlRoots, replication.PeerDestination{
			URL:         publicURL,
			Store:       storeDef.Name,
			Kind:        storeDef.Kind,
			Credentials: config.InboundCredentials,
		})
	}

	var watcher *topology.Watcher
	if len(crawlRoots) > 0 {
		watcher, err = topology.NewWatcher(topology.WatcherOptions{
			Logger:     logger.Named("topology"),
			Discoverer: discoverer,
			Roots:      crawlRoots,
			Interval:   config.CrawlInterval,
			MaxDepth:   config.CrawlDepth,
			Store:      store,
		})
		if err != nil {
			return false, multierr.Combine(err, listeners.Close(), store.Close())
		}
	}

	var clusterManager *clustering.Manager
	var etcdClient *clientv3.Client
	if len(config.EtcdEndpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   sliceutils.RemoveDuplicates(config.EtcdEndpoints),
			DialTimeout: etcdDialTimeout,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			err = fmt.Errorf("failed to connect to the instance registry: %w", err)
			return false, multierr.Combine(err, listeners.Close(), store.Close())
		}

		provider, err := clustering.NewEtcdProvider(clustering.EtcdProviderOptions{
			Logger:     logger.Named("clustering"),
			EtcdClient: etcdClient,
			KeyPrefix:  config.EtcdPrefix,
		})
		if err != nil {
			return false, multierr.Combine(err, etcdClient.Close(), listeners.Close(), store.Close())
		}

		clusterManager = &clustering.Manager{
			Provider: provider,
			Logger:   logger.Named("clustering"),
		}
	}

	adminSrv, err := admin.NewServer(admin.ServerOptions{
		Logger:             logger.Named("admin"),
		ServerID:           config.ServerID,
		PublicURL:          publicURL,
		Stores:             config.Stores,
		InboundCredentials: config.InboundCredentials,
		Checker:            checker,
		Discoverer:         discoverer,
		Watcher:            watcher,
		Recorder:           recorder,
		Purger:             purger,
		Cluster:            clusterManager,
	})
	if err != nil {
		return false, multierr.Combine(err, closeIfEtcd(etcdClient), listeners.Close(), store.Close())
	}

	sys, err := system.NewSystem(&system.SystemOptions{
		Logger:         logger.Named("system"),
		AdminImpl:      adminSrv,
		RateLimiter:    n.rateLimiter,
		AdminTlsConfig: tlsConfig,
		Debug:          config.Debug,
	})
	if err != nil {
		return false, multierr.Combine(err, closeIfEtcd(etcdClient), listeners.Close(), store.Close())
	}

	var membership *clustering.Membership
	if clusterManager != nil {
		storeNames := make([]string, 0, len(config.Stores))
		for _, storeDef := range config.Stores {
			storeNames = append(storeNames, storeDef.Name)
		}

		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		membership, err = clusterManager.Join(joinCtx, &clustering.Member{
			MemberID:  memberID,
			PublicURL: publicURL,
			ServerID:  config.ServerID,
			Stores:    storeNames,
		})
		joinCancel()
		if err != nil {
			err = fmt.Errorf("failed to join the instance registry: %w", err)
			return false, multierr.Combine(err, etcdClient.Close(), listeners.Close(), store.Close())
		}
	}

	leaveRegistry := func() {
		if membership == nil {
			return
		}

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()

		if err := membership.Leave(leaveCtx); err != nil {
			logger.Warn("failed to leave the instance registry", zap.Error(err))
		}
		membership = nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	if watcher != nil {
		snapshotCh := watcher.Watch(runCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snapshot := range snapshotCh {
				logger.Debug("topology snapshot refreshed",
					zap.Int("stores", len(snapshot.Stores)),
					zap.Time("takenAt", snapshot.TakenAt))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sys.Serve(runCtx, listeners)
	}()

	logger.Info("node started",
		zap.String("serverID", config.ServerID),
		zap.String("publicURL", publicURL),
		zap.Int("adminPort", boundAdminPort),
		zap.Int("stores", len(config.Stores)))

	if config.StartupCallback != nil {
		config.StartupCallback(&StartupInfo{
			MemberID:  memberID,
			ServerID:  config.ServerID,
			PublicURL: publicURL,
			AdvertisePorts: ServicePorts{
				Admin: boundAdminPort,
			},
		})
	}

	select {
	case <-ctx.Done():
		logger.Info("node context ended, stopping")
	case <-n.shutdownCh:
		logger.Info("node shutdown requested")
	}

	leaveRegistry()
	sys.Shutdown()
	cancel()
	wg.Wait()

	var closeErr error
	closeErr = multierr.Append(closeErr, listeners.Close())
	closeErr = multierr.Append(closeErr, closeIfEtcd(etcdClient))
	closeErr = multierr.Append(closeErr, store.Close())

	logger.Info("node stopped")

	return true, closeErr
}

func (n *Node) openStore() (storage.Store, error) {
	if n.config.DataDir == "" {
		n.logger.Warn("no data directory configured, tombstones will not survive restarts")
		return storage.NewMemStore(), nil
	}

	return storage.NewBoltStore(storage.BoltStoreOptions{
		Path:   filepath.Join(n.config.DataDir, "drift.db"),
		Logger: n.logger.Named("storage"),
	})
}

func closeIfEtcd(client *clientv3.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// bumpRestartCounter increments the persisted restart counter and returns
// the new value. Etags stamped with it dominate every etag issued before
// the restart, whatever change counts those carried.
func bumpRestartCounter(ctx context.Context, store storage.Store) (uint64, error) {
	var restarts uint64

	err := store.Update(ctx, func(tx storage.Tx) error {
		value, err := tx.Get(storage.MetaList, restartsKey)
		if err != nil {
			return err
		}
		if len(value) == 8 {
			restarts = binary.BigEndian.Uint64(value)
		}

		restarts++

		encoded := make([]byte, 8)
		binary.BigEndian.PutUint64(encoded, restarts)
		return tx.Put(storage.MetaList, restartsKey, encoded)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to bump the restart counter: %w", err)
	}

	return restarts, nil
}
