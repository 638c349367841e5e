// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires every collaborator of a single renderfarm process
// into one owned service handle, per spec.md §9's re-architecture note
// ("model as an owned service handle constructed in main and passed by
// reference to HTTP handlers — avoid process-wide mutable state").
// Grounded on the deleted teacher runtime/node.go's component-assembly
// shape: construct leaves first, wire observers, expose Start/Stop.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/config"
	"github.com/luxfi/renderfarm/control"
	"github.com/luxfi/renderfarm/discovery"
	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/failuremonitor"
	"github.com/luxfi/renderfarm/healthcheck"
	"github.com/luxfi/renderfarm/httpapi"
	"github.com/luxfi/renderfarm/job"
	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/renderer"
	"github.com/luxfi/renderfarm/resource"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/scene"
	"github.com/luxfi/renderfarm/stitcher"
	"github.com/luxfi/renderfarm/wire"
)

// Node owns every long-running component of one renderfarm process.
type Node struct {
	cfg    config.Config
	logger log.Logger

	table      *membership.Table
	prober     *resource.Prober
	discovery  *discovery.Service
	election   *election.Engine
	ctlManager *control.Manager
	monitor    *failuremonitor.Monitor
	store      *job.Store
	coord      *job.Coordinator
	worker     *job.Worker
	client     *job.Client
	metrics    *metrics.Metrics
	health     *healthcheck.Registry
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// managerBroadcaster adapts control.Manager's Sequencer() accessor
// into the job.Broadcaster interface Coordinator needs, forwarding to
// whichever Sequencer incarnation is currently live.
type managerBroadcaster struct {
	mgr *control.Manager
}

func (b managerBroadcaster) Broadcast(msgType wire.ControlType, payload map[string]any) (uint64, error) {
	seq := b.mgr.Sequencer()
	if seq == nil {
		return 0, fmt.Errorf("node: not currently leader, cannot broadcast %s", msgType)
	}
	return seq.Broadcast(msgType, payload)
}

// New constructs every component of a Node from cfg, without starting any of them.
func New(cfg config.Config, selfIP string, logger log.Logger) (*Node, error) {
	if logger == nil {
		logger = rflog.NewNoOp()
	}

	store, err := job.NewStore(cfg.JobsDir)
	if err != nil {
		return nil, err
	}

	self := membership.Identity{Name: cfg.NodeName, IP: selfIP}
	prober := resource.NewProber(cfg.JobsDir, cfg.ScoreInterval)

	table := membership.New(self, 0)

	n := &Node{cfg: cfg, logger: logger, table: table, prober: prober, store: store}

	disc := discovery.New(cfg.DiscoveryPort, table, cfg.BeaconInterval,
		n.electionActive, n.currentRole, prober.Score, rflog.New("discovery"))
	n.discovery = disc

	eng := election.New(self, table, prober, disc, cfg.ElectionTokenDelay, rflog.New("election"))
	disc.SetReceiver(eng)
	n.election = eng

	reg := metrics.NewRegistry()
	m, err := metrics.New(cfg.MetricsNamespace, reg)
	if err != nil {
		return nil, err
	}
	n.metrics = m
	eng.SetMetrics(m)

	var stitch stitcher.Stitcher = stitcher.NewFFmpegStitcher(cfg.FFmpegPath)

	var render renderer.Renderer = renderer.NewExecRenderer(cfg.BlenderPath)
	pending := control.NewPendingCommits()
	worker := job.NewWorker(store, render, pending, cfg.HTTPPort, cfg.HTTPTimeout, rflog.New("worker"))
	worker.SetMetrics(m)
	n.worker = worker

	ctlManager := control.NewManager(selfIP, cfg.SequencerPort, worker, rflog.New("control"))
	ctlManager.SetMetrics(m)
	n.ctlManager = ctlManager

	coord := job.NewCoordinator(store, table, managerBroadcaster{mgr: ctlManager}, stitch, cfg.HTTPPort, cfg.HTTPTimeout, rflog.New("coordinator"))
	coord.SetMetrics(m)
	n.coord = coord

	client := job.NewClient(table, cfg.HTTPPort, cfg.HTTPTimeout, rflog.New("client"))
	n.client = client
	ctlManager.SetLeaderObserver(client)

	analyzer := scene.NewExecAnalyzer(cfg.BlenderPath, cfg.SceneAnalysisScript)

	monitor := failuremonitor.New(table, eng, disc, coord, cfg.StaleAfter, cfg.StaleCheckInterval, cfg.HTTPPort, cfg.HTTPTimeout, rflog.New("failuremonitor"))
	monitor.SetMetrics(m)
	n.monitor = monitor

	health := healthcheck.NewRegistry()
	health.Register("membership", membershipChecker{table: table})
	health.Register("election", electionChecker{engine: eng})
	n.health = health

	handle := &httpapi.Handle{
		Coordinator: coord,
		Worker:      worker,
		Client:      client,
		Store:       store,
		Election:    eng,
		Health:      health,
		Metrics:     m,
		Analyzer:    analyzer,
		Logger:      rflog.New("httpapi"),
	}
	router := httpapi.NewRouter(handle)
	n.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	return n, nil
}

func (n *Node) electionActive() bool {
	return n.election.State().ElectionActive
}

func (n *Node) currentRole() string {
	return string(n.election.State().Role)
}

// Start brings up every background loop and the HTTP listener. It
// returns once all loops have been launched; call Stop to tear down.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.discovery.Start(); err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discovery.Run(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.ctlManager.Run(ctx, n.election.Changes())
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.monitor.Run(ctx)
	}()

	if err := n.election.InitiateElection(ctx); err != nil {
		n.logger.Warn("initial election failed", "error", err)
	}

	ln, err := net.Listen("tcp", n.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("node: listen http %s: %w", n.httpServer.Addr, err)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.logger.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	return nil
}

// Stop tears down every background loop and the HTTP listener.
func (n *Node) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	n.discovery.Stop()
	err := n.httpServer.Shutdown(ctx)
	n.wg.Wait()
	return err
}

type membershipChecker struct {
	table *membership.Table
}

func (c membershipChecker) HealthCheck(context.Context) (any, error) {
	return map[string]int{"peers": c.table.Len()}, nil
}

type electionChecker struct {
	engine *election.Engine
}

func (c electionChecker) HealthCheck(context.Context) (any, error) {
	return c.engine.State(), nil
}
