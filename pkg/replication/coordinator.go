package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/kvwal/pkg/health"
	"github.com/calvinalkan/kvwal/pkg/keyspace"
	"github.com/calvinalkan/kvwal/pkg/wal"
	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// ErrCRCMismatch is returned by ReceiveReplicated when an inbound entry's
// stored CRC does not match its recomputed CRC.
var ErrCRCMismatch = errors.New("replication: crc mismatch")

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	pushQueueDepth = 256
)

// Coordinator is the replication coordinator (C7): on the leader it fans out
// newly-appended entries to healthy peers over a per-peer worker goroutine;
// on a follower it validates, applies, and gap-fills inbound entries.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	transport Transport
	health    *health.Table
	w         *wal.WAL
	ks        *keyspace.Keyspace
	leaderURL string

	queues map[string]chan walcodec.LogEntry
}

// New returns a coordinator. peerURLs is the leader's view of its followers
// (id -> url); leaderURL is set on followers (the URL they pull from) and
// empty on the leader itself.
func New(transport Transport, healthTable *health.Table, w *wal.WAL, ks *keyspace.Keyspace, peerURLs map[string]string, leaderURL string) *Coordinator {
	c := &Coordinator{
		transport: transport, health: healthTable, w: w, ks: ks, leaderURL: leaderURL,
		queues: make(map[string]chan walcodec.LogEntry, len(peerURLs)),
	}

	for id := range peerURLs {
		c.queues[id] = make(chan walcodec.LogEntry, pushQueueDepth)
	}

	return c
}

// Start launches one worker goroutine per configured peer, each draining its
// push queue until ctx is cancelled. Call once after construction.
func (c *Coordinator) Start(ctx context.Context) {
	for peerID, queue := range c.queues {
		go c.runWorker(ctx, peerID, queue)
	}
}

func (c *Coordinator) runWorker(ctx context.Context, peerID string, queue chan walcodec.LogEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-queue:
			c.pushWithBackoff(ctx, peerID, entry)
		}
	}
}

func (c *Coordinator) pushWithBackoff(ctx context.Context, peerID string, entry walcodec.LogEntry) {
	backoff := initialBackoff

	for {
		status, ok := c.health.Status(peerID)
		if !ok || status.Status != health.Healthy {
			// The peer went (or was always) down; stop retrying. It will
			// catch up via gap detection on its next successful heartbeat.
			return
		}

		_, err := c.transport.Push(ctx, status.URL, entry)
		if err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// NotifyAppended enqueues entry for delivery to every currently healthy
// peer. It never blocks the caller's append path: a full queue drops the
// push for that peer (the peer catches up via gap detection instead) rather
// than stalling the leader's write path.
func (c *Coordinator) NotifyAppended(entry walcodec.LogEntry) {
	for peerID := range c.health.HealthyPeerURLs() {
		queue, ok := c.queues[peerID]
		if !ok {
			continue
		}

		select {
		case queue <- entry:
		default:
		}
	}
}

// ReceiveOutcome classifies the result of ReceiveReplicated.
type ReceiveOutcome int

const (
	ReceiveApplied ReceiveOutcome = iota
	ReceiveDuplicate
)

// ReceiveReplicated is the follower-side entry point for an inbound pushed
// entry. It validates the entry's CRC, applies it if it is the next expected
// id, treats it as a duplicate if it is already known, and transparently
// fills any gap via range-fetch from the leader before applying.
func (c *Coordinator) ReceiveReplicated(ctx context.Context, entry walcodec.LogEntry) (ReceiveOutcome, error) {
	if walcodec.Checksum(entry) != entry.CRC {
		return 0, fmt.Errorf("replication: entry %d: %w", entry.ID, ErrCRCMismatch)
	}

	last, hasLast := c.w.LastID()

	if hasLast && entry.ID <= last {
		return ReceiveDuplicate, nil
	}

	next := last + 1

	if entry.ID > next {
		err := c.fillGap(ctx, next, entry.ID-1)
		if err != nil {
			return 0, fmt.Errorf("replication: fill gap before %d: %w", entry.ID, err)
		}
	}

	err := c.applyOne(ctx, entry)
	if err != nil {
		return 0, err
	}

	return ReceiveApplied, nil
}

func (c *Coordinator) fillGap(ctx context.Context, fromID, toID uint64) error {
	if c.leaderURL == "" {
		return errors.New("no leader configured to fetch gap from")
	}

	entries, err := c.transport.RangeFetch(ctx, c.leaderURL, fromID, toID)
	if err != nil {
		return fmt.Errorf("range fetch [%d,%d]: %w", fromID, toID, err)
	}

	for _, e := range entries {
		err = c.applyOne(ctx, e)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) applyOne(ctx context.Context, entry walcodec.LogEntry) error {
	_, err := c.w.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("append %d: %w", entry.ID, err)
	}

	c.ks.Apply(entry)

	return nil
}

// RangeFetch serves a follower's catch-up request from local segments.
func (c *Coordinator) RangeFetch(ctx context.Context, fromID, toID uint64) ([]walcodec.LogEntry, error) {
	return c.w.RangeFetch(ctx, fromID, toID)
}

// SendHeartbeats sends a heartbeat to every configured peer once. Intended
// to be called on a ticker by the node's background task.
func (c *Coordinator) SendHeartbeats(ctx context.Context, nodeID string, peerURLs map[string]string) {
	now := time.Now()

	for _, url := range peerURLs {
		_ = c.transport.Heartbeat(ctx, url, nodeID, now)
	}
}
