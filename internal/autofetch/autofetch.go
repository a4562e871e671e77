// Package autofetch implements the auto-fetcher scheduler (C5): one
// enqueue thread and N worker threads that probabilistically refetch
// user-subscribed sources based on how stale they are.
package autofetch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cpsdqs/aof/internal/fetcher"
	"github.com/cpsdqs/aof/internal/store"
)

const (
	defaultMajorInterval    = time.Hour
	defaultMinorInterval    = 45 * time.Second
	defaultMinorItemInterval = 40 * time.Second
	defaultNumWorkers       = 3
	workerStartupOffset     = 3 * time.Second
)

// Bucket is the coarse freshness bucket a source falls into.
type Bucket int

const (
	BucketHour Bucket = iota
	BucketDay
	BucketWeek
)

// Projection is a freshness bucket plus its weight in [0, 65535]: lower
// weight means fresher (closer to "just updated"), matching the original
// `65536·(1 - Δ/window)` formulas.
type Projection struct {
	Bucket Bucket
	Weight uint16
}

func weightConv(f float64) uint16 {
	if f < 0 {
		return 0
	}
	if f > 65535 {
		return 65535
	}
	return uint16(f)
}

// ProjectionFor derives a Projection from the elapsed time since a
// source's newest known update, per §4.5. A nil lastUpdated (never
// fetched by any user) is projected into the Day bucket at weight 0xffff.
func ProjectionFor(lastUpdated *time.Time, now time.Time) Projection {
	if lastUpdated == nil {
		return Projection{Bucket: BucketDay, Weight: 0xffff}
	}
	delta := now.Sub(*lastUpdated).Seconds()
	if delta < 0 {
		delta = 0
	}
	switch {
	case delta < 86400:
		return Projection{Bucket: BucketHour, Weight: weightConv(65536 * (1 - delta/86400))}
	case delta < 86400*7:
		return Projection{Bucket: BucketDay, Weight: weightConv(65536 * (1 - delta/(86400*7)))}
	default:
		return Projection{Bucket: BucketWeek, Weight: weightConv(65536 * (1 - delta/(86400*700)))}
	}
}

// UpdateProbability maps a Projection onto the probability a worker
// should actually refetch it. The Day/Week clamp asymmetry (0.4 vs 0.07)
// is intentional and pinned by spec §9 design notes, not a typo.
func UpdateProbability(p Projection) float64 {
	switch p.Bucket {
	case BucketHour:
		return 1.0
	case BucketDay:
		v := 1 - float64(p.Weight)/(65535*7)
		if v < 0.4 {
			return 0.4
		}
		return v
	default: // BucketWeek
		v := 0.4 - float64(p.Weight)/(65535*7)
		if v < 0.07 {
			return 0.07
		}
		return v
	}
}

type job struct {
	uri        string
	projection Projection
}

// queue is a mutex-guarded FIFO of pending fetch jobs.
type queue struct {
	mu    sync.Mutex
	items []job
}

func (q *queue) push(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, j)
}

func (q *queue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return job{}, false
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Scheduler drives the enqueue + worker threads.
type Scheduler struct {
	Store       *store.Store
	Orchestrator *fetcher.Orchestrator
	Log         *slog.Logger

	NumWorkers        int
	MajorInterval     time.Duration
	MinorInterval     time.Duration
	MinorItemInterval time.Duration

	q queue

	// seed bases each worker's private *rand.Rand. math/rand.Rand is not
	// safe for concurrent use, so the scheduler hands every worker
	// goroutine its own instance rather than sharing one.
	seed int64
}

// New constructs a Scheduler with the default intervals and 3 workers.
func New(st *store.Store, orch *fetcher.Orchestrator, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Store: st, Orchestrator: orch, Log: log,
		NumWorkers:        defaultNumWorkers,
		MajorInterval:     defaultMajorInterval,
		MinorInterval:     defaultMinorInterval,
		MinorItemInterval: defaultMinorItemInterval,
		seed:              time.Now().UnixNano(),
	}
}

// Start launches the enqueue thread and NumWorkers worker threads,
// phase-offset by workerStartupOffset*index to spread load. It returns
// immediately; the goroutines stop once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	go s.enqueueLoop(ctx)
	for i := 0; i < s.NumWorkers; i++ {
		go func(idx int) {
			timer := time.NewTimer(time.Duration(idx) * workerStartupOffset)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			rng := rand.New(rand.NewSource(s.seed + int64(idx)))
			s.workerLoop(ctx, rng)
		}(i)
	}
}

func (s *Scheduler) enqueueLoop(ctx context.Context) {
	ticker := time.NewTicker(s.MajorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeEnqueue()
		}
	}
}

func (s *Scheduler) maybeEnqueue() {
	if !s.q.empty() {
		return
	}
	uris, err := s.Store.AllUserSubscribedSources()
	if err != nil {
		s.Log.Error("enqueue: list subscribed sources", "err", err)
		return
	}
	now := time.Now()
	for _, uri := range uris {
		_, date, err := s.Store.LatestUserSourceVersion(uri)
		if err != nil {
			s.Log.Error("enqueue: latest version", "uri", uri, "err", err)
			continue
		}
		s.q.push(job{uri: uri, projection: ProjectionFor(date, now)})
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, rng *rand.Rand) {
	ticker := time.NewTicker(s.MinorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetchOne(ctx, rng)
		}
	}
}

func (s *Scheduler) fetchOne(ctx context.Context, rng *rand.Rand) {
	j, ok := s.q.pop()
	if !ok {
		return
	}
	if rng.Float64() >= UpdateProbability(j.projection) {
		return
	}

	_, hash, err := s.Orchestrator.FetchSource(ctx, nil, j.uri)
	if err != nil {
		s.Log.Error("auto-fetch source failed", "uri", j.uri, "err", err)
		return
	}
	if hash == nil {
		return
	}

	sv, err := s.Store.GetSourceVersion(j.uri, *hash)
	if err != nil {
		return
	}
	scheme := ""
	if c, err := store.CanonicalizeURI(j.uri); err == nil {
		scheme = c.Scheme
	}
	for _, item := range sv.Items {
		if item.Virtual {
			continue
		}
		itemURI, err := store.CanonicalizeURI(scheme + "://" + item.Path)
		if err != nil {
			continue
		}
		has, err := s.Store.ItemHasVersionlessUser(j.uri, itemURI.String())
		if err != nil || !has {
			continue
		}
		if _, err := s.Orchestrator.FetchItem(ctx, nil, itemURI.String()); err != nil {
			s.Log.Error("auto-fetch item failed", "uri", itemURI.String(), "err", err)
		}
		time.Sleep(s.MinorItemInterval)
	}
}
