package buffer

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapkit/internal/core"
)

func newTestPool(t *testing.T, cfg PoolConfig, opts ...PoolOption) *Pool {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	p, err := NewPool(cfg, opts...)
	require.NoError(t, err)
	return p
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PoolConfig
	}{
		{"negative pool size", PoolConfig{PoolSize: -1, MaxPoolSize: 1, MaxBufferCapacity: 1}},
		{"zero max pool size", PoolConfig{MaxPoolSize: 0, MaxBufferCapacity: 1}},
		{"pool size above max", PoolConfig{PoolSize: 3, MaxPoolSize: 2, MaxBufferCapacity: 1}},
		{"zero buffer capacity", PoolConfig{PoolSize: 1, MaxPoolSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.cfg)
			assert.ErrorIs(t, err, core.ErrArgument)
		})
	}
}

func TestPoolAllocate(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 2, MaxBufferCapacity: 64})

	b, err := p.Allocate(16, 32)
	require.NoError(t, err)
	assert.Equal(t, Pooled, b.Kind())
	assert.Equal(t, 16, b.Capacity())
	assert.Equal(t, 1, b.RefCnt())

	require.NoError(t, b.SetCapacity(32))
	assert.ErrorIs(t, b.SetCapacity(33), core.ErrArgument)

	_, err = p.Allocate(128, 128)
	assert.ErrorIs(t, err, core.ErrArgument, "capacity above the entry size")

	freed, err := b.Release()
	require.NoError(t, err)
	assert.True(t, freed)
}

func TestPoolConservation(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 2, MaxPoolSize: 3, MaxBufferCapacity: 32})

	var borrowed []*Buffer
	for i := 0; i < 3; i++ {
		b, err := p.Allocate(32, 32)
		require.NoError(t, err)
		borrowed = append(borrowed, b)
	}

	_, err := p.Allocate(32, 32)
	assert.ErrorIs(t, err, core.ErrResourceExhausted)

	st := p.Stats()
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, 3, st.InUse)
	assert.Equal(t, uint64(1), st.Exhausted)

	for _, b := range borrowed {
		freed, err := b.Release()
		require.NoError(t, err)
		assert.True(t, freed)
	}
	assert.Equal(t, 3, p.Stats().Free)

	b, err := p.Allocate(8, 8)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stats().Entries, "allocation after release reuses a slot")
	_, _ = b.Release()
}

func TestPoolDoubleRelease(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 8})
	b, err := p.Allocate(8, 8)
	require.NoError(t, err)

	freed, err := b.Release()
	require.NoError(t, err)
	require.True(t, freed)

	freed, err = b.Release()
	assert.False(t, freed)
	assert.ErrorIs(t, err, core.ErrLifecycle)
	assert.Equal(t, 1, p.Stats().Free, "a double release must not return the entry twice")
}

func TestPoolUseAfterRelease(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 8})
	b, err := p.Allocate(8, 8)
	require.NoError(t, err)
	view, err := b.Slice(0, 4)
	require.NoError(t, err)
	_, _ = b.Release()

	_, err = b.GetUint8(0)
	assert.ErrorIs(t, err, core.ErrLifecycle)
	assert.ErrorIs(t, view.SetUint8(0, 1), core.ErrLifecycle)
	assert.ErrorIs(t, b.Retain(), core.ErrLifecycle)
	assert.Equal(t, 0, b.RefCnt())

	// the same entry is handed out again; the stale handle must stay dead
	b2, err := p.Allocate(8, 8)
	require.NoError(t, err)
	_, err = b.GetUint8(0)
	assert.ErrorIs(t, err, core.ErrLifecycle)
	_, err = b.Release()
	assert.ErrorIs(t, err, core.ErrLifecycle)
	assert.Equal(t, 1, b2.RefCnt())
}

func TestPoolRetainSharedAcrossViews(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPoolSize: 1, MaxBufferCapacity: 8})
	b, err := p.Allocate(8, 8)
	require.NoError(t, err)

	view, err := b.Slice(2, 4)
	require.NoError(t, err)
	assert.Equal(t, Pooled, view.Storage())
	require.NoError(t, view.Retain())
	assert.Equal(t, 2, b.RefCnt())

	freed, err := b.Release()
	require.NoError(t, err)
	assert.False(t, freed)
	require.NoError(t, view.SetUint16(0, 7), "view is still live")

	freed, err = view.Release()
	require.NoError(t, err)
	assert.True(t, freed)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestPoolZeroing(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 4, Zeroing: true})
	b, err := p.Allocate(4, 4)
	require.NoError(t, err)
	require.NoError(t, b.WriteUint32(0xffffffff))
	_, _ = b.Release()

	b, err = p.Allocate(4, 4)
	require.NoError(t, err)
	v, err := b.GetUint32(0)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestPoolOffer(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPoolSize: 2, MaxBufferCapacity: 4})
	other := newTestPool(t, PoolConfig{Name: "other", MaxPoolSize: 1, MaxBufferCapacity: 4})

	b, err := p.Allocate(4, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Offer(b), core.ErrArgument)

	require.NoError(t, b.Retain())
	assert.ErrorIs(t, p.Offer(b), core.ErrLifecycle)
	assert.Equal(t, 2, b.RefCnt(), "a refused offer leaves the count untouched")
	_, _ = b.Release()

	require.NoError(t, p.Offer(b))
	assert.Equal(t, 1, p.Stats().Free)

	h := newTestBuffer(t, 4)
	assert.ErrorIs(t, p.Offer(h), core.ErrArgument)
}

func TestPoolRejectsInconsistentFreeEntry(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 4})
	e := p.free.Peek().(*entry)
	e.state.Store(pack(0, 3))

	_, err := p.Allocate(4, 4)
	assert.ErrorIs(t, err, core.ErrLifecycle)

	st := p.Stats()
	assert.Equal(t, 1, st.Quarantined)
	assert.Equal(t, 0, st.Entries)

	// the lost slot is regrown rather than exhausting the pool
	b, err := p.Allocate(4, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Entries)
	_, err = b.Release()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Free)
	assert.NoError(t, p.Check())
}

func TestPoolStaleBytesAfterReborrow(t *testing.T) {
	p := newTestPool(t, PoolConfig{PoolSize: 1, MaxPoolSize: 1, MaxBufferCapacity: 4})
	a, err := p.Allocate(4, 4)
	require.NoError(t, err)
	require.NoError(t, a.WriteBytes([]byte("AAAA")))
	view, err := a.Slice(0, 4)
	require.NoError(t, err)
	_, err = a.Release()
	require.NoError(t, err)

	b, err := p.Allocate(4, 4)
	require.NoError(t, err)
	require.NoError(t, b.WriteBytes([]byte("BBBB")))

	assert.Nil(t, a.Bytes(), "a released handle exposes no memory")
	assert.Nil(t, view.Bytes())
	_, err = a.ReadableView()
	assert.ErrorIs(t, err, core.ErrLifecycle)
	_, err = view.ReadableView()
	assert.ErrorIs(t, err, core.ErrLifecycle)

	data, err := b.ReadableView()
	require.NoError(t, err)
	assert.Equal(t, "BBBB", string(data))
}

func TestPoolCheckAndClose(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPoolSize: 2, MaxBufferCapacity: 4})
	b, err := p.Allocate(4, 4)
	require.NoError(t, err)
	_, err = p.Allocate(4, 4)
	require.NoError(t, err)
	_, _ = b.Release()

	err = p.Close()
	require.Error(t, err)
	var leak *LeakError
	require.ErrorAs(t, err, &leak)
	assert.Equal(t, 1, leak.Entry)
	assert.ErrorIs(t, err, core.ErrLifecycle)

	_, err = p.Allocate(4, 4)
	assert.ErrorIs(t, err, core.ErrLifecycle, "closed pools refuse allocation")
}

//go:noinline
func leakOne(p *Pool) error {
	_, err := p.Allocate(8, 8)
	return err
}

func TestPoolLeakDetection(t *testing.T) {
	var (
		mu    sync.Mutex
		leaks []*LeakError
	)
	p := newTestPool(t,
		PoolConfig{MaxPoolSize: 1, MaxBufferCapacity: 8, LeakDetection: true},
		WithLeakHandler(func(l *LeakError) {
			mu.Lock()
			leaks = append(leaks, l)
			mu.Unlock()
		}))

	require.NoError(t, leakOne(p))

	require.Eventually(t, func() bool {
		runtime.GC()
		mu.Lock()
		defer mu.Unlock()
		return len(leaks) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, leaks[0].RefCnt)
	assert.Equal(t, uint64(1), p.Stats().Leaks)

	// the leaked entry went back to the pool
	b, err := p.Allocate(8, 8)
	require.NoError(t, err)
	freed, err := b.Release()
	require.NoError(t, err)
	assert.True(t, freed)
}

func TestPoolReleasedBufferIsNotALeak(t *testing.T) {
	p := newTestPool(t, PoolConfig{MaxPoolSize: 1, MaxBufferCapacity: 8, LeakDetection: true},
		WithLeakHandler(func(*LeakError) { t.Error("unexpected leak report") }))

	func() {
		b, err := p.Allocate(8, 8)
		require.NoError(t, err)
		_, err = b.Release()
		require.NoError(t, err)
	}()
	runtime.GC()
	runtime.GC()
	assert.Zero(t, p.Stats().Leaks)
}

func TestPoolConcurrentAllocateRelease(t *testing.T) {
	const workers, rounds, maxPool = 8, 500, 4
	p := newTestPool(t, PoolConfig{PoolSize: 2, MaxPoolSize: maxPool, MaxBufferCapacity: 16})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				b, err := p.Allocate(16, 16)
				if err != nil {
					assert.ErrorIs(t, err, core.ErrResourceExhausted)
					runtime.Gosched()
					continue
				}
				assert.LessOrEqual(t, p.Stats().InUse, maxPool)
				_ = b.WriteUint64(uint64(i))
				_, err = b.Release()
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.LessOrEqual(t, st.Entries, maxPool)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, st.Entries, st.Free)
}
