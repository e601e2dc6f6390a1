package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/poacher/internal/ingest"
	"github.com/JakeFAU/poacher/internal/locator"
	"github.com/JakeFAU/poacher/internal/poacher"
	pubmemory "github.com/JakeFAU/poacher/internal/publisher/memory"
	"github.com/JakeFAU/poacher/internal/storage/memory"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	onNap  func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onNap
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "session-1", nil }

type boundaryOracle struct{ boundary int64 }

func (o boundaryOracle) Exists(_ context.Context, id int64) (bool, error) {
	return id <= o.boundary, nil
}

type recordingLocator struct {
	lower, hint int64
	result      int64
	err         error
}

func (r *recordingLocator) Locate(_ context.Context, lower, hint int64) (int64, error) {
	r.lower, r.hint = lower, hint
	return r.result, r.err
}

// scriptedLister returns the batches in order, then empty listings.
type scriptedLister struct {
	mu      sync.Mutex
	batches [][]poacher.Repository
	cursors []int64
	err     error
	onCall  func(call int)
}

func (l *scriptedLister) ListSince(_ context.Context, cursor int64) ([]poacher.Repository, error) {
	l.mu.Lock()
	l.cursors = append(l.cursors, cursor)
	call := len(l.cursors)
	hook := l.onCall
	var out []poacher.Repository
	if len(l.batches) > 0 {
		out = l.batches[0]
		l.batches = l.batches[1:]
	}
	err := l.err
	l.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type recordingIngester struct {
	mu   sync.Mutex
	ids  []int64
	hook func(repo poacher.Repository)
}

func (r *recordingIngester) Process(_ context.Context, repo poacher.Repository) ingest.Result {
	r.mu.Lock()
	r.ids = append(r.ids, repo.ID)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(repo)
	}
	return ingest.Result{Outcome: poacher.OutcomeAccepted, Attempts: 1}
}

func repo(id int64, size poacher.Size) poacher.Repository {
	return poacher.Repository{ID: id, Name: "r", FullName: "octo/r", URL: "https://github.com/octo/r", Size: size}
}

type harness struct {
	loop     *Loop
	store    *memory.CheckpointStore
	lister   *scriptedLister
	ingester *recordingIngester
	clock    *fakeClock
}

func newHarness(t *testing.T, initial poacher.Marker, loc Locator, cfg Config, pub poacher.Publisher) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewCheckpointStore(initial),
		lister:   &scriptedLister{},
		ingester: &recordingIngester{},
		clock:    newFakeClock(),
	}
	h.loop = New(h.lister, loc, h.store, h.ingester, pub, h.clock, fixedIDs{}, cfg, zap.NewNop())
	return h
}

func TestLoopEndToEnd(t *testing.T) {
	t.Parallel()

	loc := locator.New(boundaryOracle{boundary: 140}, locator.Config{}, zap.NewNop())
	h := newHarness(t, poacher.Marker{LastKnownID: 100}, loc, Config{}, nil)
	h.lister.batches = [][]poacher.Repository{{
		repo(143, poacher.KnownSize(1)),
		repo(141, poacher.KnownSize(1)),
		repo(145, poacher.KnownSize(1)),
		repo(142, poacher.KnownSize(1)),
		repo(144, poacher.KnownSize(1)),
	}}

	ctx := context.Background()
	located, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(140), located)

	start := h.loop.Snapshot()
	assert.Equal(t, int64(140), start.StartingID)
	assert.Equal(t, int64(140), start.NewestID)
	assert.Equal(t, "session-1", start.SessionID)

	h.clock.Advance(5 * time.Minute)
	n, err := h.loop.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{140}, h.lister.cursors)
	assert.Equal(t, []int64{141, 142, 143, 144, 145}, h.ingester.ids)

	snap := h.loop.Snapshot()
	assert.Equal(t, int64(145), snap.NewestID)
	assert.Equal(t, int64(145), snap.CurrentID)
	assert.Equal(t, start.ReposObserved+5, snap.ReposObserved)

	require.NoError(t, h.loop.Finalize(ctx))
	saved, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(145), saved.LastKnownID)
	assert.Equal(t, int64(1), saved.SessionCount)
	assert.InDelta(t, 1.0, saved.CumulativeAverageSum, 1e-9)
	assert.Equal(t, h.clock.Now(), saved.CheckpointedAt)
}

func TestLoopSkipEmpty(t *testing.T) {
	t.Parallel()

	for _, skip := range []bool{true, false} {
		h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 10}, Config{SkipEmpty: skip}, nil)
		h.lister.batches = [][]poacher.Repository{{
			repo(11, poacher.KnownSize(0)),
			repo(12, poacher.UnknownSize()),
			repo(13, poacher.KnownSize(5)),
		}}

		_, err := h.loop.Bootstrap(context.Background())
		require.NoError(t, err)
		n, err := h.loop.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		if skip {
			assert.Equal(t, []int64{12, 13}, h.ingester.ids)
		} else {
			assert.Equal(t, []int64{11, 12, 13}, h.ingester.ids)
		}
		snap := h.loop.Snapshot()
		assert.Equal(t, int64(3), snap.ReposObserved)
		assert.Equal(t, int64(13), snap.NewestID)
	}
}

func TestLoopBootstrapUsesGrowthHint(t *testing.T) {
	t.Parallel()

	loc := &recordingLocator{result: 500}
	h := newHarness(t, poacher.Marker{}, loc, Config{}, nil)
	h.store = memory.NewCheckpointStore(poacher.Marker{
		LastKnownID:          300,
		NewestID:             300,
		CumulativeAverageSum: 10,
		SessionCount:         1,
		CheckpointedAt:       h.clock.Now().Add(-5 * time.Minute),
	})
	h.loop.store = h.store

	_, err := h.loop.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(300), loc.lower)
	assert.Equal(t, int64(50), loc.hint)
}

func TestLoopBootstrapResumesFromFlushedCursor(t *testing.T) {
	t.Parallel()

	loc := &recordingLocator{result: 900}
	h := newHarness(t, poacher.Marker{LastKnownID: 300, NewestID: 450}, loc, Config{}, nil)

	_, err := h.loop.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(450), loc.lower)
	assert.Zero(t, loc.hint)
}

func TestLoopBootstrapErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{err: errors.New("rate limited")}, Config{}, nil)
	_, err := h.loop.Bootstrap(context.Background())
	require.ErrorIs(t, err, ErrBootstrap)
	require.ErrorIs(t, h.loop.Run(context.Background()), ErrNotBootstrapped)

	h = newHarness(t, poacher.Marker{}, &recordingLocator{}, Config{}, nil)
	h.store.FailWith(errors.New("corrupt"))
	_, err = h.loop.Bootstrap(context.Background())
	require.ErrorIs(t, err, ErrBootstrap)

	require.NoError(t, h.loop.Finalize(context.Background()))
	assert.Zero(t, h.store.Saves())
}

func TestLoopRunListingErrorIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 1}, Config{}, nil)
	h.lister.err = errors.New("502 bad gateway")

	_, err := h.loop.Bootstrap(context.Background())
	require.NoError(t, err)
	err = h.loop.Run(context.Background())
	require.ErrorIs(t, err, ErrListing)
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 1}, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.lister.onCall = func(call int) {
		if call == 3 {
			cancel()
		}
	}

	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, h.loop.Run(ctx))
	assert.Len(t, h.lister.cursors, 3)
}

func TestLoopRunIdleDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 1}, Config{PollInterval: 2 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.onNap = cancel

	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, h.loop.Run(ctx))
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.sleeps)
}

func TestLoopCancelMidBatchKeepsUnhandledRepos(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 10}, Config{}, nil)
	h.lister.batches = [][]poacher.Repository{{
		repo(11, poacher.KnownSize(1)),
		repo(12, poacher.KnownSize(1)),
		repo(13, poacher.KnownSize(1)),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ingester.hook = func(poacher.Repository) { cancel() }

	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	n, err := h.loop.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(11), h.loop.Snapshot().NewestID)
}

func TestLoopFinalizeOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{LastKnownID: 5}, &recordingLocator{result: 10}, Config{}, nil)
	h.lister.batches = [][]poacher.Repository{{repo(11, poacher.KnownSize(1))}}

	ctx := context.Background()
	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.loop.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, h.loop.Finalize(ctx))
	require.NoError(t, h.loop.Finalize(ctx))
	assert.Equal(t, 1, h.store.Saves())

	saved, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.SessionCount)
	assert.Equal(t, int64(11), saved.LastKnownID)

	stats := h.loop.Stats()
	assert.Equal(t, int64(1), stats.NewIDs)
	assert.InDelta(t, 1.0, stats.RunningAverage, 1e-9)
}

func TestLoopFinalizeWithoutActivity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{LastKnownID: 5, CumulativeAverageSum: 4, SessionCount: 2}, &recordingLocator{result: 9}, Config{}, nil)
	ctx := context.Background()
	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, h.loop.Finalize(ctx))

	saved, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.SessionCount)
	assert.InDelta(t, 4.0, saved.CumulativeAverageSum, 1e-9)
	assert.Equal(t, int64(9), saved.LastKnownID)
}

func TestLoopFinalizeSaveError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 9}, Config{}, nil)
	ctx := context.Background()
	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)

	h.store.FailWith(errors.New("disk full"))
	require.Error(t, h.loop.Finalize(ctx))
	require.Error(t, h.loop.Finalize(ctx))
}

func TestLoopPeriodicCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 10}, Config{CheckpointInterval: time.Minute}, nil)
	h.lister.batches = [][]poacher.Repository{
		{repo(11, poacher.KnownSize(1))},
		{repo(12, poacher.KnownSize(1))},
	}

	ctx := context.Background()
	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = h.loop.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.store.Saves())

	h.clock.Advance(2 * time.Minute)
	_, err = h.loop.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Saves())

	saved, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), saved.NewestID)
	assert.Zero(t, saved.SessionCount)
	assert.Zero(t, saved.LastKnownID)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, any) (string, error) {
	f.calls++
	return "", errors.New("topic missing")
}

func TestLoopPublishesDiscoveredRepos(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	h := newHarness(t, poacher.Marker{}, &recordingLocator{result: 10}, Config{Topic: "repos", SkipEmpty: true}, pub)
	h.lister.batches = [][]poacher.Repository{{repo(11, poacher.KnownSize(0)), repo(12, poacher.KnownSize(3))}}

	ctx := context.Background()
	_, err := h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = h.loop.Poll(ctx)
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "repos", msgs[0].Topic)
	first, ok := msgs[0].Payload.(poacher.Discovered)
	require.True(t, ok)
	assert.Equal(t, int64(11), first.ID)
	assert.Equal(t, "session-1", first.SessionID)

	failing := &failingPublisher{}
	h = newHarness(t, poacher.Marker{}, &recordingLocator{result: 10}, Config{Topic: "repos"}, failing)
	h.lister.batches = [][]poacher.Repository{{repo(11, poacher.KnownSize(1))}}
	_, err = h.loop.Bootstrap(ctx)
	require.NoError(t, err)
	n, err := h.loop.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, []int64{11}, h.ingester.ids)
}
