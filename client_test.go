package pagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagecache/internal/config"
	"pagecache/internal/membership"
	"pagecache/internal/page"
	"pagecache/internal/ring"
	"pagecache/internal/worker"
	"pagecache/internal/workertest"
)

const mb = 1_000_000

func startWorkers(t *testing.T, n int) []*workertest.Server {
	t.Helper()
	servers := make([]*workertest.Server, n)
	for i := range servers {
		servers[i] = workertest.NewServer(nil)
		t.Cleanup(servers[i].Close)
	}
	return servers
}

func newClient(t *testing.T, servers []*workertest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	for _, s := range servers {
		cfg.Membership.Workers = append(cfg.Membership.Workers, s.Worker().Addr())
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// fakeTransport serves pages from memory with an optional delay and tracks
// concurrency.
type fakeTransport struct {
	worker.Transport

	delay   time.Duration
	pages   map[page.Key][]byte
	putErr  error
	getErrs map[ring.Worker]error

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	gets     int
	puts     int
}

func (f *fakeTransport) enter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
}

func (f *fakeTransport) GetPage(ctx context.Context, w ring.Worker, key page.Key, offset, length int64) ([]byte, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	f.gets++
	err := f.getErrs[w]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	data, ok := f.pages[key]
	if !ok {
		return nil, worker.ErrPageNotFound
	}
	if length < 0 {
		return data, nil
	}
	return data[offset : offset+length], nil
}

func (f *fakeTransport) PutPage(ctx context.Context, w ring.Worker, key page.Key, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return f.putErr
}

func staticSource(n int) *membership.Static {
	ws := make([]ring.Worker, n)
	for i := range ws {
		ws[i] = ring.Worker{Host: fmt.Sprintf("10.0.0.%d", i+1), DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort}
	}
	return membership.NewStatic(ws)
}

func newFakeClient(t *testing.T, tr *fakeTransport, src membership.Source, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(context.Background(), cfg, WithTransport(tr), WithSource(src))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadRange_ReassemblesAcrossPages(t *testing.T) {
	servers := startWorkers(t, 3)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = mb })
	ctx := context.Background()

	data := pattern(4 * mb)
	for i := int64(0); i < 4; i++ {
		ok, err := c.WritePage(ctx, "s3://bucket/file", i, data[i*mb:(i+1)*mb])
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := c.ReadRange(ctx, "s3://bucket/file", 1_500_000, 1_100_000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[1_500_000:2_600_000], got))
}

func TestReadRange_WholeAndPartialPages(t *testing.T) {
	servers := startWorkers(t, 2)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 1000 })
	ctx := context.Background()

	data := pattern(5500)
	require.NoError(t, c.Write(ctx, "s3://bucket/f", data))

	tests := []struct{ offset, length int64 }{
		{0, 5500},
		{0, 1000},
		{999, 2},
		{1000, 3000},
		{4321, 1179},
		{5499, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d+%d", tt.offset, tt.length), func(t *testing.T) {
			got, err := c.ReadRange(ctx, "s3://bucket/f", tt.offset, tt.length)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data[tt.offset:tt.offset+tt.length], got))
		})
	}
}

func TestReadRange_ZeroLength(t *testing.T) {
	c := newFakeClient(t, &fakeTransport{}, staticSource(1), nil)
	got, err := c.ReadRange(context.Background(), "s3://b/f", 123, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadRange_PageUnavailable(t *testing.T) {
	servers := startWorkers(t, 3)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 1000 })
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "s3://bucket/f", pattern(4000)))
	missing := page.KeyOf("s3://bucket/f", 2)
	for _, s := range servers {
		s.Store().Delete(missing)
	}

	got, err := c.ReadRange(ctx, "s3://bucket/f", 0, 4000)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrPageUnavailable)
	assert.ErrorIs(t, err, ErrPageNotFound)

	var pu *PageUnavailableError
	require.ErrorAs(t, err, &pu)
	assert.Equal(t, int64(2), pu.PageIndex)
	assert.Equal(t, 2, pu.Attempts)
}

func TestReadRange_FallsBackToReplica(t *testing.T) {
	servers := startWorkers(t, 2)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 1000 })

	data := pattern(4000)
	for _, s := range servers {
		s.PutFile("s3://bucket/f", data, 1000)
	}
	servers[0].SetDown(true)

	got, err := c.ReadRange(context.Background(), "s3://bucket/f", 0, 4000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestReadRange_NoReplicasNoFallback(t *testing.T) {
	tr := &fakeTransport{getErrs: map[ring.Worker]error{}}
	src := staticSource(3)
	snap, _ := src.Snapshot(context.Background())
	for _, w := range snap.Workers {
		tr.getErrs[w] = errors.New("connection refused")
	}
	c := newFakeClient(t, tr, src, func(cfg *Config) {
		cfg.Page.Size = 100
		cfg.Ring.ReplicaCount = 0
	})

	_, err := c.ReadRange(context.Background(), "s3://b/f", 0, 100)
	assert.ErrorIs(t, err, ErrPageUnavailable)
	assert.Equal(t, 1, tr.gets)
}

func TestReadRange_ShortPageIsEOF(t *testing.T) {
	servers := startWorkers(t, 1)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 1000 })
	servers[0].PutFile("s3://bucket/f", pattern(1500), 1000)

	_, err := c.ReadRange(context.Background(), "s3://bucket/f", 0, 2000)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrPageUnavailable)
}

func TestReadRange_ConcurrencyBound(t *testing.T) {
	tr := &fakeTransport{delay: 20 * time.Millisecond, pages: map[page.Key][]byte{}}
	for i := int64(0); i < 5; i++ {
		tr.pages[page.KeyOf("s3://b/f", i)] = bytes.Repeat([]byte{byte(i)}, 10)
	}
	c := newFakeClient(t, tr, staticSource(4), func(cfg *Config) {
		cfg.Page.Size = 10
		cfg.Client.MaxConcurrentRequests = 2
	})

	got, err := c.ReadRange(context.Background(), "s3://b/f", 0, 50)
	require.NoError(t, err)
	assert.Len(t, got, 50)
	assert.Equal(t, byte(4), got[49])
	assert.LessOrEqual(t, tr.maxSeen, 2)
	assert.Equal(t, 5, tr.gets)
}

func TestReadRange_PermitsShared(t *testing.T) {
	tr := &fakeTransport{delay: 10 * time.Millisecond, pages: map[page.Key][]byte{}}
	for i := int64(0); i < 4; i++ {
		tr.pages[page.KeyOf("s3://b/f", i)] = make([]byte, 10)
	}
	c := newFakeClient(t, tr, staticSource(4), func(cfg *Config) {
		cfg.Page.Size = 10
		cfg.Client.MaxConcurrentRequests = 3
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ReadRange(context.Background(), "s3://b/f", 0, 40)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, tr.maxSeen, 3)
}

func TestReadRange_CancelAbortsFetches(t *testing.T) {
	tr := &fakeTransport{delay: time.Hour, pages: map[page.Key][]byte{}}
	c := newFakeClient(t, tr, staticSource(2), func(cfg *Config) { cfg.Page.Size = 10 })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	got, err := c.ReadRange(ctx, "s3://b/f", 0, 100)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), 5*time.Second)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 0, tr.inFlight)
}

func TestRead_WholeFile(t *testing.T) {
	servers := startWorkers(t, 3)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 1000 })

	data := pattern(3210)
	for _, s := range servers {
		s.PutFile("s3://bucket/whole", data, 1000)
	}

	got, err := c.Read(context.Background(), "s3://bucket/whole")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	tail, err := c.ReadRange(context.Background(), "s3://bucket/whole", 3000, -1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[3000:], tail))
}

func TestReadRange_InvalidArguments(t *testing.T) {
	c := newFakeClient(t, &fakeTransport{}, staticSource(1), nil)
	ctx := context.Background()

	_, err := c.ReadRange(ctx, "bucket/key", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = c.ReadRange(ctx, "s3://b/f", -1, 1)
	assert.Error(t, err)

	_, err = c.ReadRange(ctx, "s3://b/f", math.MaxInt64-5, 10)
	assert.Error(t, err)
}

func TestWritePage(t *testing.T) {
	servers := startWorkers(t, 3)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 100 })
	ctx := context.Background()

	ok, err := c.WritePage(ctx, "s3://b/f", 7, []byte("seven"))
	require.NoError(t, err)
	assert.True(t, ok)

	cands, err := c.Locate("s3://b/f", 7)
	require.NoError(t, err)
	for _, s := range servers {
		data, found := s.Store().Get(page.KeyOf("s3://b/f", 7))
		if s.Worker() == cands[0] {
			assert.True(t, found)
			assert.Equal(t, "seven", string(data))
		} else {
			assert.False(t, found, "write must go only to the primary")
		}
	}

	_, err = c.WritePage(ctx, "s3://b/f", 0, make([]byte, 101))
	assert.Error(t, err)
	_, err = c.WritePage(ctx, "s3://b/f", -1, nil)
	assert.Error(t, err)
}

func TestWritePage_FailureNotRetried(t *testing.T) {
	tr := &fakeTransport{putErr: errors.New("connection refused")}
	c := newFakeClient(t, tr, staticSource(3), nil)

	ok, err := c.WritePage(context.Background(), "s3://b/f", 0, []byte("x"))
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, tr.puts)
}

func TestWrite_SplitsIntoPages(t *testing.T) {
	servers := startWorkers(t, 2)
	c := newClient(t, servers, func(cfg *Config) { cfg.Page.Size = 100 })

	require.NoError(t, c.Write(context.Background(), "s3://b/f", pattern(250)))

	var pages []int64
	for _, s := range servers {
		pages = append(pages, s.Store().Pages(page.FileID("s3://b/f"))...)
	}
	assert.ElementsMatch(t, []int64{0, 1, 2}, pages)
}

func TestRouteByPath_PinsFileToCandidates(t *testing.T) {
	c := newFakeClient(t, &fakeTransport{}, staticSource(8), func(cfg *Config) {
		cfg.Ring.RouteBy = config.RouteByPath
	})

	first, err := c.Locate("s3://b/f", 0)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	for i := int64(1); i < 20; i++ {
		got, err := c.Locate("s3://b/f", i)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

// failingSource is a dynamic source whose registry is never reachable.
type failingSource struct{}

func (failingSource) Snapshot(ctx context.Context) (membership.Snapshot, error) {
	return membership.Snapshot{}, errors.New("registry unreachable")
}

func (failingSource) Dynamic() bool { return true }

func TestNew_MembershipUnavailable(t *testing.T) {
	c := newFakeClient(t, &fakeTransport{}, failingSource{}, nil)

	_, err := c.ReadRange(context.Background(), "s3://b/f", 0, 10)
	assert.ErrorIs(t, err, ErrMembershipUnavailable)
	_, err = c.Load(context.Background(), "s3://b/f")
	assert.ErrorIs(t, err, ErrMembershipUnavailable)
	_, err = c.Workers()
	assert.ErrorIs(t, err, ErrMembershipUnavailable)

	st := c.MembershipStatus()
	assert.True(t, st.Dynamic)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.ErrorContains(t, err, "membership.workers")

	cfg := DefaultConfig()
	cfg.Page.Size = 0
	_, err = New(context.Background(), cfg, WithSource(staticSource(1)))
	assert.ErrorContains(t, err, "page.size")
}

func TestClient_CloseIdempotent(t *testing.T) {
	servers := startWorkers(t, 1)
	c := newClient(t, servers, nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
