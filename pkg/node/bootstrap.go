package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/calvinalkan/kvwal/pkg/compactor"
	"github.com/calvinalkan/kvwal/pkg/dedup"
	"github.com/calvinalkan/kvwal/pkg/fs"
	"github.com/calvinalkan/kvwal/pkg/health"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/replication"
	"github.com/calvinalkan/kvwal/pkg/wal"
)

// Node is a fully bootstrapped, running node: a Facade plus the background
// tasks (replication fan-out, heartbeat sending, health sweeping, dedup
// sweeping, scheduled compaction) that keep it alive.
type Node struct {
	Facade *Facade
	Config Config

	w        *wal.WAL
	coord    *replication.Coordinator
	log      *slog.Logger
	dataLock *fs.Lock
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Bootstrap opens the on-disk state at cfg.DataDir, replays it into a fresh
// keyspace, wires every component together, and starts the node's background
// tasks. The returned Node's replication coordinator is already fanning out
// to peers; HTTPHandler must still be mounted on a listener by the caller.
func Bootstrap(ctx context.Context, cfg Config, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	fsys := fs.NewReal()

	dataLock, err := fs.NewLocker(fsys).TryLock(filepath.Join(cfg.DataDir, "node.lock"))
	if err != nil {
		return nil, fmt.Errorf("node: bootstrap: acquire data dir lock: %w (is another kvwald already running against %s?)", err, cfg.DataDir)
	}

	w, stats, err := wal.Open(ctx, fsys, cfg.DataDir, cfg.MaxSegmentSize)
	if err != nil {
		_ = dataLock.Close()
		return nil, fmt.Errorf("node: bootstrap: open wal: %w", err)
	}

	log.Info("wal opened",
		"entries_recovered", stats.EntriesRecovered,
		"corrupt_skipped", stats.CorruptSkipped,
		"torn_tail_segment", stats.TornTailSegment,
		"torn_tail_bytes", stats.TornTailBytes,
	)

	ks := keyspace.New(cfg.HistoryLimit)

	for entry, err := range w.Replay(ctx) {
		if err != nil {
			return nil, fmt.Errorf("node: bootstrap: replay: %w", err)
		}

		ks.Apply(entry)
	}

	dedupCache := dedup.New(cfg.DedupTTL.Duration())
	healthTable := health.NewTable(cfg.PeerURLs(), cfg.HeartbeatTimeout.Duration())
	comp := compactor.New(w, fsys, cfg.DataDir, cfg.CompactionInterval.Duration(), cfg.MinCompactionInterval.Duration(), cfg.CompactionEnabled)

	transport := replication.NewHTTPTransport(nil)
	coord := replication.New(transport, healthTable, w, ks, cfg.PeerURLs(), cfg.LeaderURL)

	facade := NewFacade(cfg, w, ks, dedupCache, comp, healthTable, coord)

	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{Facade: facade, Config: cfg, w: w, coord: coord, log: log, dataLock: dataLock, cancel: cancel}

	coord.Start(nodeCtx)
	n.startBackgroundTasks(nodeCtx)

	return n, nil
}

// startBackgroundTasks launches the node's periodic maintenance loops, each
// tied to ctx's lifetime and tracked in n.wg so Close can wait for them.
func (n *Node) startBackgroundTasks(ctx context.Context) {
	n.runEvery(ctx, n.Config.HeartbeatInterval.Duration(), func(now time.Time) {
		n.coord.SendHeartbeats(ctx, n.Config.NodeID, n.Config.PeerURLs())
	})

	n.runEvery(ctx, n.Config.HeartbeatTimeout.Duration()/3, func(now time.Time) {
		n.Facade.health.Sweep(now)
	})

	n.runEvery(ctx, n.Config.DedupTTL.Duration()/4, func(now time.Time) {
		n.Facade.dedup.Sweep(now)
	})

	n.runEvery(ctx, n.Config.CompactionInterval.Duration(), func(now time.Time) {
		result, ran := n.Facade.compactor.Run(ctx)
		if ran && result.Err != nil {
			n.log.Warn("compaction pass failed", "error", result.Err)
		}
	})
}

// runEvery runs fn once per interval on its own goroutine until ctx is
// cancelled. interval <= 0 disables the loop.
func (n *Node) runEvery(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	if interval <= 0 {
		return
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				fn(t)
			}
		}
	}()
}

// HTTPHandler returns the handler a node daemon mounts on its listen
// address: the replication endpoints peers use to push/fetch/heartbeat, and
// the client endpoints kvctl's remote mode uses to drive the node.
func (n *Node) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/replication/", replication.NewTransportServer(n.Facade).Handler())
	mux.Handle("/kv/", NewClientServer(n.Facade).Handler())

	return mux
}

// Close stops every background task and closes the write-ahead log. It
// blocks until background goroutines have observed cancellation.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()

	err := n.w.Close()

	lockErr := n.dataLock.Close()

	if err != nil {
		return fmt.Errorf("node: close wal: %w", err)
	}

	if lockErr != nil {
		return fmt.Errorf("node: release data dir lock: %w", lockErr)
	}

	return nil
}
