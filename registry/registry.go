// Package registry tracks the live connections of a relay server and
// delivers directory broadcasts to them.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-relay/cacher"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/message"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/safemap"
)

var (
	// ErrNotFound is returned by Lookup when no live connection has the id.
	ErrNotFound = errors.New("connection not found")
	// ErrDuplicateID is returned by Add when the id is already registered.
	ErrDuplicateID = errors.New("duplicate connection id")
)

const (
	defaultCacheTTL    = 30 * time.Second
	defaultParallelism = 16
	directoryKeyPrefix = "directory:"
)

// Handle is a registered connection. Send must be safe for concurrent use
// and bounded in time; it is the only way the registry writes to a
// connection.
type Handle interface {
	ID() string
	Alias() string
	Address() string
	Send(payload []byte) error
}

// Options configures a Registry.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// Cache memoizes encoded directories by generation. Defaults to an
	// in-memory cacher.
	Cache cacher.Cacher[[]byte]
	// CacheTTL bounds how long an encoded directory is kept. Defaults to 30s.
	CacheTTL time.Duration
	// Parallelism bounds concurrent sends during a broadcast. Defaults to 16.
	Parallelism int
}

// BroadcastResult summarizes one BroadcastDirectory call.
type BroadcastResult struct {
	Recipients int
	Failures   int
	Skipped    bool
}

type member struct {
	handle Handle
	seq    uint64
}

// Registry is the set of live connections keyed by id. Membership changes
// and snapshots are serialized by one lock; no network I/O happens under it.
type Registry struct {
	members     *safemap.SafeMap[string, member]
	seq         atomic.Uint64
	broadcastMu sync.Mutex

	cache       cacher.Cacher[[]byte]
	cacheTTL    time.Duration
	parallelism int

	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	r := &Registry{
		members:     safemap.NewSafeMap[string, member](),
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}

	if r.logger == nil {
		r.logger = logger.NewNopLogger()
	}

	if r.cacheTTL <= 0 {
		r.cacheTTL = defaultCacheTTL
	}

	// No janitor: stale generations are pruned whenever a new one is encoded.
	if r.cache == nil {
		r.cache = cacher.NewMemoryCacher[[]byte](cache.NoExpiration, 0)
	}

	if r.parallelism <= 0 {
		r.parallelism = defaultParallelism
	}

	return r
}

// Add registers h.
//
// Returns:
//   - ErrDuplicateID if a connection with the same id is already present
func (r *Registry) Add(h Handle) error {
	if !r.members.StoreIfAbsent(h.ID(), member{handle: h, seq: r.seq.Add(1)}) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, h.ID())
	}

	return nil
}

// Remove unregisters the connection with the given id. Removing an absent id
// is a no-op.
//
// Returns:
//   - true if an entry was removed
func (r *Registry) Remove(id string) bool {
	return r.members.Delete(id)
}

// Lookup returns the live connection with the given id.
//
// Returns:
//   - ErrNotFound if no live connection has that id
func (r *Registry) Lookup(id string) (Handle, error) {
	m, ok := r.members.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return m.handle, nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.members.Len()
}

// Generation returns a counter that changes whenever the directory may have
// changed.
func (r *Registry) Generation() uint64 {
	return r.members.Generation()
}

// Touch marks the directory as changed without a membership change, e.g.
// after a connection updated its alias.
func (r *Registry) Touch() {
	r.members.Touch()
}

// Snapshot returns the directory at one instant, in join order.
func (r *Registry) Snapshot() []message.DirectoryEntry {
	members, _ := r.ordered()
	return entries(members)
}

// BroadcastDirectory sends the current directory to every registered
// connection. Broadcasts are serialized so every connection observes
// directories in registry order. A failed send is logged and counted; it does
// not stop delivery to the others and does not unregister the connection.
// Nothing is sent when the registry is empty.
func (r *Registry) BroadcastDirectory(ctx context.Context) BroadcastResult {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	members, gen := r.ordered()
	if len(members) == 0 {
		r.logger.Debug("no connections to send directory to")
		return BroadcastResult{Skipped: true}
	}

	started := time.Now()
	payload, err := r.encodeDirectory(ctx, members, gen)
	if err != nil {
		r.logger.Error("failed to encode directory", logger.Err(err))
		return BroadcastResult{Skipped: true}
	}

	var failures atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, m := range members {
		h := m.handle
		g.Go(func() error {
			if err := h.Send(payload); err != nil {
				failures.Add(1)
				r.logger.Warn("failed to send directory",
					logger.Field{Key: "session_id", Value: h.ID()}, logger.Err(err))
			}

			return nil
		})
	}
	_ = g.Wait()

	result := BroadcastResult{Recipients: len(members), Failures: int(failures.Load())}
	r.metrics.Broadcast(started, result.Failures)

	cached, _ := r.cache.ItemCount(ctx)
	r.logger.Debug("directory sent",
		logger.Field{Key: "recipients", Value: result.Recipients},
		logger.Field{Key: "failures", Value: result.Failures},
		logger.Field{Key: "generation", Value: gen},
		logger.Field{Key: "cached_directories", Value: cached})

	return result
}

func (r *Registry) ordered() ([]member, uint64) {
	members, gen := r.members.Snapshot()
	slices.SortFunc(members, func(a, b member) int {
		return cmp.Compare(a.seq, b.seq)
	})

	return members, gen
}

func (r *Registry) encodeDirectory(ctx context.Context, members []member, gen uint64) ([]byte, error) {
	key := directoryKeyPrefix + strconv.FormatUint(gen, 10)
	return r.cache.GetOrFetch(ctx, key, r.cacheTTL, func(ctx context.Context) ([]byte, error) {
		if _, err := r.cache.DeleteByPrefix(ctx, directoryKeyPrefix); err != nil {
			r.logger.Debug("failed to prune cached directories", logger.Err(err))
		}

		m, err := message.Directory(entries(members))
		if err != nil {
			return nil, err
		}

		return m.Encode()
	})
}

func entries(members []member) []message.DirectoryEntry {
	return lo.Map(members, func(m member, _ int) message.DirectoryEntry {
		return message.DirectoryEntry{
			ID:      m.handle.ID(),
			Alias:   m.handle.Alias(),
			Address: m.handle.Address(),
		}
	})
}
