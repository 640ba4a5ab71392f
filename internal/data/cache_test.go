package data_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/data"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

func barsDataset() *data.Dataset {
	return &data.Dataset{Bars: map[string][]types.Bar{"SPY": testBars()}}
}

func TestFingerprintKeyIgnoresSymbolOrder(t *testing.T) {
	a := data.Fingerprint{Kind: "bars", Symbols: []string{"spy", "QQQ"}, Timeframe: types.Timeframe1d, Start: day(1)}
	b := data.Fingerprint{Kind: "bars", Symbols: []string{"QQQ", "SPY"}, Timeframe: types.Timeframe1d, Start: day(1)}
	if a.Key() != b.Key() {
		t.Errorf("Keys differ: %s vs %s", a.Key(), b.Key())
	}
	c := b
	c.End = day(5)
	if c.Key() == b.Key() {
		t.Error("Different ranges should not share a key")
	}
}

func TestFingerprintCacheHitAfterMiss(t *testing.T) {
	cache := data.NewFingerprintCache(zap.NewNop(), time.Minute, 10, nil)
	fp := data.Fingerprint{Kind: "bars", Symbols: []string{"SPY"}}
	calls := 0
	load := func(context.Context) (*data.Dataset, error) {
		calls++
		return barsDataset(), nil
	}

	_, hit, err := cache.Get(context.Background(), fp, load)
	if err != nil || hit {
		t.Fatalf("First get: hit=%v err=%v", hit, err)
	}
	ds, hit, err := cache.Get(context.Background(), fp, load)
	if err != nil || !hit {
		t.Fatalf("Second get: hit=%v err=%v", hit, err)
	}
	if calls != 1 || len(ds.Bars["SPY"]) != 3 {
		t.Errorf("calls=%d bars=%d", calls, len(ds.Bars["SPY"]))
	}
	if stats := cache.Stats(); stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestFingerprintCacheSingleFlight(t *testing.T) {
	cache := data.NewFingerprintCache(zap.NewNop(), time.Minute, 10, nil)
	fp := data.Fingerprint{Kind: "bars", Symbols: []string{"SPY"}}

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) (*data.Dataset, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return barsDataset(), nil
	}

	var wg sync.WaitGroup
	var misses int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, hit, err := cache.Get(context.Background(), fp, load)
			if err != nil {
				t.Error(err)
			}
			if !hit {
				atomic.AddInt32(&misses, 1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected one load, got %d", n)
	}
	if n := atomic.LoadInt32(&misses); n != 1 {
		t.Errorf("Expected exactly one miss, got %d", n)
	}
}

func TestFingerprintCacheDoesNotCacheErrors(t *testing.T) {
	cache := data.NewFingerprintCache(zap.NewNop(), time.Minute, 10, nil)
	fp := data.Fingerprint{Kind: "bars", Symbols: []string{"NOPE"}}
	calls := 0
	load := func(context.Context) (*data.Dataset, error) {
		calls++
		return nil, data.ErrNoData
	}

	for i := 0; i < 2; i++ {
		if _, _, err := cache.Get(context.Background(), fp, load); !errors.Is(err, data.ErrNoData) {
			t.Fatalf("Expected ErrNoData, got %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("Errors should not be cached, load ran %d times", calls)
	}
}

func TestFingerprintCacheEvictsOldest(t *testing.T) {
	cache := data.NewFingerprintCache(zap.NewNop(), time.Minute, 2, nil)
	load := func(context.Context) (*data.Dataset, error) { return barsDataset(), nil }
	for _, sym := range []string{"A", "B", "C"} {
		if _, _, err := cache.Get(context.Background(), data.Fingerprint{Symbols: []string{sym}}, load); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if n := cache.Stats().Entries; n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
	cache.Clear()
	if n := cache.Stats().Entries; n != 0 {
		t.Errorf("Clear left %d entries", n)
	}
}

type memoryRemote struct {
	mu   sync.Mutex
	data map[string]*data.Dataset
}

func (m *memoryRemote) Get(_ context.Context, key string) (*data.Dataset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.data[key]
	return ds, ok
}

func (m *memoryRemote) Set(_ context.Context, key string, ds *data.Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = ds
}

func TestFingerprintCacheRemoteTier(t *testing.T) {
	remote := &memoryRemote{data: map[string]*data.Dataset{}}
	fp := data.Fingerprint{Kind: "bars", Symbols: []string{"SPY"}}

	first := data.NewFingerprintCache(zap.NewNop(), time.Minute, 10, remote)
	if _, hit, err := first.Get(context.Background(), fp, func(context.Context) (*data.Dataset, error) {
		return barsDataset(), nil
	}); err != nil || hit {
		t.Fatalf("hit=%v err=%v", hit, err)
	}
	if _, ok := remote.data[fp.Key()]; !ok {
		t.Fatal("Loaded dataset was not written to the remote tier")
	}

	second := data.NewFingerprintCache(zap.NewNop(), time.Minute, 10, remote)
	_, hit, err := second.Get(context.Background(), fp, func(context.Context) (*data.Dataset, error) {
		t.Error("Load should not run when the remote tier has the key")
		return nil, errors.New("unexpected load")
	})
	if err != nil || !hit {
		t.Errorf("Remote hit: hit=%v err=%v", hit, err)
	}
}
