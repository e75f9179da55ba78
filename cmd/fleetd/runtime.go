package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/adminapi"
	"github.com/hearthnet/fleet/pkg/bus"
	"github.com/hearthnet/fleet/pkg/chunk"
	"github.com/hearthnet/fleet/pkg/cluster"
	"github.com/hearthnet/fleet/pkg/config"
	"github.com/hearthnet/fleet/pkg/datasync"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/metrics"
	"github.com/hearthnet/fleet/pkg/registry"
	"github.com/hearthnet/fleet/pkg/runner"
	"github.com/hearthnet/fleet/pkg/serviceman"
	"github.com/hearthnet/fleet/pkg/shutdown"
	"github.com/hearthnet/fleet/pkg/storage"
	"github.com/hearthnet/fleet/pkg/template"
	"github.com/hearthnet/fleet/pkg/tick"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

const defaultMetricsAddress = "127.0.0.1:9090"

// runtime holds every component constructed for one daemon run.
type runtime struct {
	bootstrap config.Bootstrap
	cfgStore  *config.Store
	store     *storage.Store
	entities  *config.EntityStore

	plugins   *registry.Registry
	provider  *cluster.Provider
	router    *bus.Bus
	tick      *tick.Loop
	templates *template.Registry
	manager   *serviceman.Manager
	sync      *datasync.Registry
	receiver  *chunk.Receiver

	admin       *transport.Acceptor
	adminServer *adminapi.Server
	stopSignal  *shutdownSignal

	handler *shutdown.Handler
	metrics *http.Server
}

// shutdownSignal lets the adminapi "shutdown" verb trigger the same
// signal-driven stop path SIGTERM does, rather than duplicating
// startDaemon's ordered-shutdown call.
type shutdownSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newShutdownSignal() *shutdownSignal { return &shutdownSignal{ch: make(chan struct{})} }

func (s *shutdownSignal) RequestShutdown() { s.once.Do(func() { close(s.ch) }) }

func clusterConfigPath(dataDir string) string { return filepath.Join(dataDir, "cluster-config.json") }

// offsetPort returns override if it is set, otherwise base's host with
// its port raised by offset, so additional listeners never collide
// with the cluster listener by default.
func offsetPort(base, override string, offset int) (string, error) {
	if override != "" {
		return override, nil
	}
	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("fleetd: parse listenAddress %q: %w", base, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("fleetd: parse listenAddress port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+offset)), nil
}

// agentListenAddress returns the address the service-agent acceptor
// binds: an explicit bootstrap override, or one port above the
// node-to-node cluster listener so the two never collide by default.
func agentListenAddress(bootstrap config.Bootstrap) (string, error) {
	return offsetPort(bootstrap.ListenAddress, bootstrap.AgentListenAddress, 1)
}

// adminListenAddress returns the address the fleetctl-facing admin
// acceptor binds: an explicit bootstrap override, or two ports above
// the cluster listener.
func adminListenAddress(bootstrap config.Bootstrap) (string, error) {
	return offsetPort(bootstrap.ListenAddress, bootstrap.AdminListenAddress, 2)
}

// build wires every component exactly once, in dependency order:
// config/storage, then cluster+bus, then the
// service manager and its datasync registrations, then the shutdown
// sequencer that tears them back down in reverse.
func build(bootstrap config.Bootstrap, nodeID, clusterID string, maxMemoryMiB int, javaCmd string) (*runtime, error) {
	cfgStore, err := config.Open(clusterConfigPath(bootstrap.DataDir))
	if err != nil {
		return nil, err
	}

	cfg := cfgStore.Get()
	if cfg.LocalNode.UniqueID == "" {
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		if clusterID == "" {
			clusterID = uuid.NewString()
		}
		cfg = types.ClusterConfig{
			ClusterID:    clusterID,
			LocalNode:    types.NodeIdentity{UniqueID: nodeID, ListenAddresses: []string{bootstrap.ListenAddress}},
			MaxMemoryMiB: maxMemoryMiB,
			JavaCommand:  javaCmd,
		}
		if err := cfgStore.Save(cfg); err != nil {
			return nil, fmt.Errorf("fleetd: save initial cluster config: %w", err)
		}
	}

	store, err := storage.Open(bootstrap.DataDir)
	if err != nil {
		return nil, err
	}

	entities, err := config.NewEntityStore(filepath.Join(bootstrap.DataDir, "entities"))
	if err != nil {
		return nil, err
	}

	templates := template.NewRegistry()
	localStorage, err := template.NewLocalStorage(filepath.Join(bootstrap.DataDir, "templates"))
	if err != nil {
		return nil, err
	}
	templates.Register("local", localStorage)

	plugins := registry.New()
	plugins.Register("runner", "exec", "fleetd", runner.NewExecRunner())
	containerdSocket := os.Getenv("FLEETD_CONTAINERD_SOCKET")
	plugins.RegisterConstructor("runner", "containerd", "fleetd", func() (any, error) {
		return runner.NewContainerdRunner(containerdSocket)
	})
	if containerdSocket != "" {
		if err := plugins.MarkAsDefault("runner", "containerd"); err != nil {
			return nil, err
		}
	}
	if bootstrap.AutoServiceFile != "" {
		factories := map[string]registry.Factory{
			"exec":       func() (any, error) { return runner.NewExecRunner(), nil },
			"containerd": func() (any, error) { return runner.NewContainerdRunner(containerdSocket) },
		}
		skipped, err := registry.Discover(plugins, bootstrap.AutoServiceFile, "fleetd", factories)
		if err != nil {
			return nil, fmt.Errorf("fleetd: discover auto-service file: %w", err)
		}
		for _, rec := range skipped {
			log.WithComponent("fleetd").Warn().Str("implType", rec.ImplType).Msg("auto-service record references an unknown plug-in, skipped")
		}
	}
	rn, err := registry.DefaultRegistration[runner.Runner](plugins, "runner").Instance()
	if err != nil {
		return nil, fmt.Errorf("fleetd: resolve default runner: %w", err)
	}

	provider := cluster.New(cfg.LocalNode, cfg.ClusterID, cfg.IPWhitelist, cfg.RemoteNodes)
	router := bus.New(provider)
	provider.SetBus(router)

	syncRegistry := datasync.NewRegistry(cfg.LocalNode)
	syncRegistry.SetBus(router)

	manager := serviceman.New(cfg.LocalNode, cfg.MaxMemoryMiB, cfg.JavaCommand, bootstrap.DataDir, provider, router, rn, templates, entities)
	manager.WireDataSync(&snapshotPublisher{registry: syncRegistry})

	registerDataSyncHandlers(syncRegistry, manager, entities)
	syncRegistry.WireSubscriptions(router)

	provider.SnapshotProvider = func() []byte {
		data, err := syncRegistry.PrepareClusterData()
		if err != nil {
			log.WithComponent("fleetd").Error().Err(err).Msg("failed to prepare cluster-data snapshot")
			return nil
		}
		return data
	}
	provider.OnInitialSnapshot = func(_ string, snapshot []byte) {
		if err := syncRegistry.ApplySnapshot(snapshot); err != nil {
			log.WithComponent("fleetd").Error().Err(err).Msg("failed to apply initial cluster-data snapshot")
		}
	}
	provider.OnPeerDisconnected = func(nodeID string) {
		manager.MarkNodeDisconnected(nodeID)
	}

	receiver := chunk.NewReceiver(filepath.Join(bootstrap.DataDir, "tmp"), func(string) chunk.SessionHandler { return nil })

	provider.OnPeerReady = func(nodeID string) {
		channels := provider.ChannelsFor([]types.Target{{Type: types.TargetNode, Name: nodeID}})
		for _, ch := range channels {
			ch.OnChannel(wire.ChannelMessage, router.HandleIncomingMessage)
			ch.OnChannel(wire.ChannelQueryReply, router.HandleIncomingReply)
			ch.OnChannel(wire.ChannelChunk, receiver.Handle)
		}
	}

	loop := tick.New()

	h := shutdown.New(loop, provider, manager, filepath.Join(bootstrap.DataDir, "tmp"))
	h.AddStore(store)
	h.AddStore(cfgStore)

	stopSignal := newShutdownSignal()
	adminServer := adminapi.NewServer(manager, templates, cfgStore, stopSignal)

	rt := &runtime{
		bootstrap:   bootstrap,
		cfgStore:    cfgStore,
		store:       store,
		entities:    entities,
		plugins:     plugins,
		provider:    provider,
		router:      router,
		tick:        loop,
		templates:   templates,
		manager:     manager,
		sync:        syncRegistry,
		receiver:    receiver,
		adminServer: adminServer,
		stopSignal:  stopSignal,
		handler:     h,
	}

	if err := cfgStore.WatchReload(rt.onConfigReload); err != nil {
		log.WithComponent("fleetd").Warn().Err(err).Msg("config reload watch failed to start")
	}

	return rt, nil
}

// onConfigReload is invoked whenever cluster-config.json changes on
// disk — an operator edit, or the "peer admit"/"config reload"
// administrative actions described in SPEC_FULL.md §3 and spec.md's
// CLI surface. Any RemoteNodes entry not already known to the
// provider is admitted and dialed, closing the loop the join-token
// flow starts.
func (rt *runtime) onConfigReload(cfg types.ClusterConfig) {
	logger := log.WithComponent("fleetd")
	known := make(map[string]bool)
	for _, n := range rt.provider.Nodes() {
		known[n.Identity.UniqueID] = true
	}
	for _, ip := range cfg.IPWhitelist {
		rt.provider.AllowIP(ip)
	}
	for _, peer := range cfg.RemoteNodes {
		if known[peer.UniqueID] {
			continue
		}
		rt.provider.AdmitJoinToken(peer)
		if err := rt.provider.Connect(peer); err != nil {
			logger.Warn().Err(err).Str("peer", peer.UniqueID).Msg("failed to connect to newly admitted peer")
		}
	}
}

// snapshotPublisher adapts datasync.Registry to serviceman.SnapshotPublisher.
type snapshotPublisher struct {
	registry *datasync.Registry
}

func (p *snapshotPublisher) Publish(snap types.ServiceInfoSnapshot) error {
	return datasync.Propagate(p.registry, serviceInfoHandler, snap)
}

var serviceInfoHandler = &datasync.Handler[types.ServiceInfoSnapshot]{
	Key:  "serviceInfo",
	IDOf: func(s types.ServiceInfoSnapshot) string { return s.ServiceID.UniqueID },
	Serialize: func(s types.ServiceInfoSnapshot) ([]byte, error) { return json.Marshal(s) },
	Deserialize: func(data []byte) (types.ServiceInfoSnapshot, error) {
		var s types.ServiceInfoSnapshot
		err := json.Unmarshal(data, &s)
		return s, err
	},
	Resolve: func(_, remote types.ServiceInfoSnapshot) types.ServiceInfoSnapshot { return remote },
}

// registerDataSyncHandlers binds serviceInfoHandler (and the
// EntityStore-backed task/group handlers, kept identical on every
// node per C7) to their live Get/Put/All callbacks. Done as a
// separate step from the var block above since Get/Put/All need a
// concrete manager/entities instance that only exists once build has
// constructed them.
func registerDataSyncHandlers(r *datasync.Registry, manager *serviceman.Manager, entities *config.EntityStore) {
	serviceInfoHandler.Get = manager.Snapshot
	serviceInfoHandler.Put = func(s types.ServiceInfoSnapshot) error { manager.ApplyRemoteSnapshot(s); return nil }
	serviceInfoHandler.All = manager.AllSnapshots
	datasync.Register(r, serviceInfoHandler)

	taskHandler := &datasync.Handler[types.ServiceTask]{
		Key:  "serviceTask",
		IDOf: func(t types.ServiceTask) string { return t.Name },
		Get: func(id string) (types.ServiceTask, bool) {
			t, err := entities.LoadTask(id)
			return t, err == nil
		},
		Put:  entities.SaveTask,
		All:  func() []types.ServiceTask { return allTasks(entities) },
		Serialize: func(t types.ServiceTask) ([]byte, error) { return json.Marshal(t) },
		Deserialize: func(data []byte) (types.ServiceTask, error) {
			var t types.ServiceTask
			err := json.Unmarshal(data, &t)
			return t, err
		},
	}
	datasync.Register(r, taskHandler)

	groupHandler := &datasync.Handler[types.GroupConfiguration]{
		Key:  "group",
		IDOf: func(g types.GroupConfiguration) string { return g.Name },
		Get: func(id string) (types.GroupConfiguration, bool) {
			g, err := entities.LoadGroup(id)
			return g, err == nil
		},
		Put: entities.SaveGroup,
		All: func() []types.GroupConfiguration { return allGroups(entities) },
		Serialize: func(g types.GroupConfiguration) ([]byte, error) { return json.Marshal(g) },
		Deserialize: func(data []byte) (types.GroupConfiguration, error) {
			var g types.GroupConfiguration
			err := json.Unmarshal(data, &g)
			return g, err
		},
	}
	datasync.Register(r, groupHandler)
}

func allTasks(entities *config.EntityStore) []types.ServiceTask {
	names, err := entities.ListTasks()
	if err != nil {
		return nil
	}
	out := make([]types.ServiceTask, 0, len(names))
	for _, name := range names {
		if t, err := entities.LoadTask(name); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func allGroups(entities *config.EntityStore) []types.GroupConfiguration {
	names, err := entities.ListGroups()
	if err != nil {
		return nil
	}
	out := make([]types.GroupConfiguration, 0, len(names))
	for _, name := range names {
		if g, err := entities.LoadGroup(name); err == nil {
			out = append(out, g)
		}
	}
	return out
}

func startDaemon(bootstrapPath, nodeID, clusterID string, maxMemoryMiB int, javaCmd string) error {
	bootstrap, err := config.LoadBootstrap(bootstrapPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(bootstrap.LogLevel), JSONOutput: bootstrap.LogJSON})
	logger := log.WithComponent("fleetd")

	rt, err := build(bootstrap, nodeID, clusterID, maxMemoryMiB, javaCmd)
	if err != nil {
		return fmt.Errorf("fleetd: build runtime: %w", err)
	}

	if err := rt.provider.Listen(bootstrap.ListenAddress); err != nil {
		return fmt.Errorf("fleetd: listen on %s: %w", bootstrap.ListenAddress, err)
	}
	agentAddr, err := agentListenAddress(bootstrap)
	if err != nil {
		return err
	}
	if err := rt.manager.Listen(agentAddr); err != nil {
		logger.Warn().Err(err).Str("addr", agentAddr).Msg("service agent listener failed to start")
	}

	adminAddr, err := adminListenAddress(bootstrap)
	if err != nil {
		return err
	}
	admin, err := transport.Listen(adminAddr)
	if err != nil {
		logger.Warn().Err(err).Str("addr", adminAddr).Msg("admin listener failed to start")
	} else {
		rt.admin = admin
		rt.handler.AddTransport(admin)
		go func() {
			if err := admin.Serve(rt.adminServer.Attach); err != nil {
				logger.Debug().Err(err).Msg("admin acceptor stopped")
			}
		}()
		logger.Info().Str("addr", adminAddr).Msg("admin endpoint listening")
	}

	for _, peer := range rt.cfgStore.Get().RemoteNodes {
		if err := rt.provider.Connect(peer); err != nil {
			logger.Warn().Err(err).Str("peer", peer.UniqueID).Msg("initial connect to configured peer failed")
		}
	}

	go rt.tick.Run()
	rt.tick.WaitStarted()

	stopMetricsUpdates := startMetricsUpdater(rt)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsAddr := bootstrap.MetricsAddress
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddress
	}
	rt.metrics = &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	logger.Info().Str("node", rt.provider.Self().UniqueID).Str("listen", bootstrap.ListenAddress).Msg("fleetd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case <-rt.stopSignal.ch:
		logger.Info().Msg("shutdown requested via admin API")
	}

	stopMetricsUpdates()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.metrics.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("metrics server did not shut down cleanly")
	}

	return rt.handler.Shutdown(ctx)
}
