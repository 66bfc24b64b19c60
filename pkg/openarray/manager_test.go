package openarray

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tilevault/pkg/array"
	"tilevault/pkg/fragment"
	"tilevault/pkg/storage"
	"tilevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	arrA = types.URI("s3://bucket/arrA")
	arrB = types.URI("s3://bucket/arrB")
)

func testSchema(uri types.URI) *array.Schema {
	return &array.Schema{
		URI:          uri,
		Attributes:   []array.Attribute{{Name: "a", CellSize: 4}},
		DimNum:       1,
		Domain:       []int64{0, 99},
		CellsPerTile: 10,
		Capacity:     10,
	}
}

func schemaLoader(calls *int32, uri types.URI) SchemaLoader {
	return func(ctx context.Context) (*array.Schema, error) {
		atomic.AddInt32(calls, 1)
		return testSchema(uri), nil
	}
}

func newMeta(frag types.URI) *fragment.Metadata {
	return fragment.NewMetadata(testSchema(arrA), true, frag)
}

func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	var calls int32

	s1, err := m.Acquire(ctx, arrA, schemaLoader(&calls, arrA))
	require.NoError(t, err)
	s2, err := m.Acquire(ctx, arrA, schemaLoader(&calls, arrA))
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), calls, "schema is loaded once")
	assert.Equal(t, 2, m.OpenCount(arrA))

	// 打开期间不能驱逐
	assert.ErrorIs(t, m.Evict(arrA), storage.ErrInvalidState)

	require.NoError(t, m.Release(arrA))
	require.NoError(t, m.Release(arrA))
	assert.Equal(t, 0, m.OpenCount(arrA))
	assert.ErrorIs(t, m.Release(arrA), storage.ErrInvalidState)

	// 计数为零时仍然缓存，不会重新加载
	_, err = m.Acquire(ctx, arrA, schemaLoader(&calls, arrA))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
	require.NoError(t, m.Release(arrA))

	// 显式驱逐之后会重新加载
	require.NoError(t, m.Evict(arrA))
	assert.Empty(t, m.Arrays())
	assert.NoError(t, m.Evict(arrA), "evicting an unknown array is a no-op")

	_, err = m.Acquire(ctx, arrA, schemaLoader(&calls, arrA))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)

	assert.ErrorIs(t, m.Release(arrB), storage.ErrInvalidState)
}

func TestManager_AcquireLoadFailure(t *testing.T) {
	m := NewManager(nil)
	boom := errors.New("boom")

	_, err := m.Acquire(context.Background(), arrA, func(ctx context.Context) (*array.Schema, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.OpenCount(arrA))
}

func TestManager_EvictWhileFragmentHeld(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")

	m.FragmentMetadataRegister(arrA, newMeta(frag))
	assert.ErrorIs(t, m.Evict(arrA), storage.ErrInvalidState)

	m.FragmentMetadataRelease(arrA, frag)
	assert.NoError(t, m.Evict(arrA))
}

func TestManager_RegisterInsertOrIncrement(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")

	first := newMeta(frag)
	got := m.FragmentMetadataRegister(arrA, first)
	assert.Same(t, first, got)
	assert.Equal(t, 1, m.RefCount(arrA, frag))

	// 第二个加载者注册自己的实例，拿回的是已存在的权威实例
	second := newMeta(frag)
	got = m.FragmentMetadataRegister(arrA, second)
	assert.Same(t, first, got)
	assert.Equal(t, 2, m.RefCount(arrA, frag))

	meta, ok := m.FragmentMetadataAcquire(arrA, frag)
	require.True(t, ok)
	assert.Same(t, first, meta)
	assert.Equal(t, 3, m.RefCount(arrA, frag))
}

// 对任意的 acquire/release 序列：当且仅当 acquire 次数多于 release 次数时缓存项存在
func TestManager_RefCountProperty(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")
	rng := rand.New(rand.NewSource(42))

	held := 0
	for i := 0; i < 1000; i++ {
		if held == 0 || rng.Intn(2) == 0 {
			if _, ok := m.FragmentMetadataAcquire(arrA, frag); !ok {
				require.Equal(t, 0, held, "miss only when nothing is held")
				m.FragmentMetadataRegister(arrA, newMeta(frag))
			}
			held++
		} else {
			m.FragmentMetadataRelease(arrA, frag)
			held--
		}
		require.Equal(t, held, m.RefCount(arrA, frag))
	}

	for ; held > 0; held-- {
		m.FragmentMetadataRelease(arrA, frag)
	}
	_, ok := m.FragmentMetadataAcquire(arrA, frag)
	assert.False(t, ok, "balanced counts make the next acquire a miss")

	// 未知 URI 的 release 是 no-op
	m.FragmentMetadataRelease(arrA, arrA.JoinPath("ghost"))
	m.FragmentMetadataRelease(arrB, frag)
}

// 两个线程同时请求同一个未缓存的 fragment：只加载一次，两者拿到同一个实例，计数为 2
func TestManager_ConcurrentMissLoadsOnce(t *testing.T) {
	for _, callers := range []int{2, 16} {
		m := NewManager(nil)
		frag := arrA.JoinPath("__f1")

		var loads int32
		gate := make(chan struct{})
		loader := func(ctx context.Context) (*fragment.Metadata, error) {
			atomic.AddInt32(&loads, 1)
			<-gate
			return newMeta(frag), nil
		}

		results := make([]*fragment.Metadata, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				meta, err := m.FragmentMetadataLoad(context.Background(), arrA, frag, loader)
				assert.NoError(t, err)
				results[i] = meta
			}()
		}

		// 让所有调用方都进入等待
		time.Sleep(50 * time.Millisecond)
		close(gate)
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
		for _, r := range results {
			require.NotNil(t, r)
			assert.Same(t, results[0], r)
		}
		assert.Equal(t, callers, m.RefCount(arrA, frag))
	}
}

func TestManager_LoadFailureIsRetried(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")
	ctx := context.Background()
	boom := storage.IOError("read", frag.String(), errors.New("boom"))

	_, err := m.FragmentMetadataLoad(ctx, arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, storage.ErrIO)
	assert.Equal(t, 0, m.RefCount(arrA, frag))

	meta, err := m.FragmentMetadataLoad(ctx, arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
		return newMeta(frag), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, meta)
	assert.Equal(t, 1, m.RefCount(arrA, frag))
}

func TestManager_LoadWaiterHonorsContext(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = m.FragmentMetadataLoad(context.Background(), arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
			close(started)
			<-gate
			return newMeta(frag), nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.FragmentMetadataLoad(ctx, arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
		t.Error("second caller must not load")
		return nil, nil
	})
	assert.ErrorIs(t, err, storage.ErrIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	assert.Eventually(t, func() bool { return m.RefCount(arrA, frag) == 1 }, time.Second, 5*time.Millisecond)
}

// 一个数组的慢加载不会阻塞另一个数组
func TestManager_ArraysDoNotContend(t *testing.T) {
	m := NewManager(nil)
	gate := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = m.Acquire(context.Background(), arrA, func(ctx context.Context) (*array.Schema, error) {
			close(started)
			<-gate
			return testSchema(arrA), nil
		})
	}()
	<-started
	defer close(gate)

	done := make(chan struct{})
	go func() {
		var calls int32
		_, err := m.Acquire(context.Background(), arrB, schemaLoader(&calls, arrB))
		assert.NoError(t, err)
		m.FragmentMetadataRegister(arrB, newMeta(arrB.JoinPath("__f")))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("array B blocked behind array A's loader")
	}
}

func TestManager_FragmentBeginRemove(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")
	ctx := context.Background()
	load := func(ctx context.Context) (*fragment.Metadata, error) { return newMeta(frag), nil }

	// 1. 被持有时不能删除
	_, err := m.FragmentMetadataLoad(ctx, arrA, frag, load)
	require.NoError(t, err)
	_, err = m.FragmentBeginRemove(arrA, frag)
	assert.ErrorIs(t, err, storage.ErrInvalidState)
	m.FragmentMetadataRelease(arrA, frag)

	// 2. 删除中拒绝加载，也不能重复删除
	done, err := m.FragmentBeginRemove(arrA, frag)
	require.NoError(t, err)
	_, err = m.FragmentMetadataLoad(ctx, arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
		t.Error("loader must not run while the fragment is being removed")
		return nil, nil
	})
	assert.ErrorIs(t, err, storage.ErrInvalidState)
	_, err = m.FragmentBeginRemove(arrA, frag)
	assert.ErrorIs(t, err, storage.ErrInvalidState)
	assert.ErrorIs(t, m.Evict(arrA), storage.ErrInvalidState)

	// 3. done 之后恢复
	done()
	done()
	_, err = m.FragmentMetadataLoad(ctx, arrA, frag, load)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RefCount(arrA, frag))
}

// 加载和删除竞争时，两者之中恰好一个成功
func TestManager_RemoveAndLoadAreExclusive(t *testing.T) {
	m := NewManager(nil)
	frag := arrA.JoinPath("__f1")
	ctx := context.Background()

	var holding atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if _, err := m.FragmentMetadataLoad(ctx, arrA, frag, func(ctx context.Context) (*fragment.Metadata, error) {
					return newMeta(frag), nil
				}); err != nil {
					continue
				}
				holding.Add(1)
				holding.Add(-1)
				m.FragmentMetadataRelease(arrA, frag)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			done, err := m.FragmentBeginRemove(arrA, frag)
			if err != nil {
				continue
			}
			assert.Equal(t, 0, m.RefCount(arrA, frag))
			assert.Zero(t, holding.Load(), "no reader holds a fragment that is being removed")
			done()
		}
	}()
	wg.Wait()
	assert.Equal(t, 0, m.RefCount(arrA, frag))
}
