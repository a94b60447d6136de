package segstore

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"

	"MediaCache/pkg/kv"
	"MediaCache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const segSize = 10

func partitions() []string {
	var res []string
	for _, p := range DefaultTiers() {
		res = append(res, p)
	}
	return res
}

func newStore(t *testing.T, be kv.Backend, codec kv.Codec) *Store {
	t.Helper()
	db, err := kv.Open(context.Background(), be, kv.Options{Name: "media", Version: 1, Partitions: partitions(), Codec: codec})
	require.NoError(t, err)
	s, err := New(db, Options{MaxSegmentSize: segSize, Tiers: DefaultTiers()})
	require.NoError(t, err)
	return s
}

func object(n int) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(int64(n)))
	r.Read(b)
	return b
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []kv.Codec{kv.CodecNone, kv.CodecLZ4, kv.CodecZstd} {
		be := kv.NewMemoryBackend()
		s := newStore(t, be, codec)
		for _, size := range []int{0, 1, segSize - 1, segSize, segSize + 1, 10 * segSize} {
			data := object(size)
			require.NoError(t, s.Put(ctx, "v", Tier80, data))
			got, err := s.Get(ctx, "v", Tier80)
			require.NoError(t, err, "size %d codec %s", size, codec)
			require.True(t, bytes.Equal(data, got), "size %d codec %s", size, codec)
			require.NotNil(t, got)

			// 分段数 = ceil(size/max)，旧对象的多余分段被清理
			var segs int
			for _, k := range be.Keys(Tier80.PartitionName()) {
				if k != "v/-" {
					segs++
				}
			}
			require.Equal(t, SegmentCount(size, segSize), segs, "size %d", size)

			info, err := s.Stat(ctx, "v", Tier80)
			require.NoError(t, err)
			require.Equal(t, SegmentCount(size, segSize), info.Segments)
			require.Equal(t, int64(size), info.Size)
		}
	}
}

func TestTwentyFiveBytes(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)
	data := object(25)
	require.NoError(t, s.Put(ctx, "id", Tier64, data))
	require.Equal(t, []string{"id/0", "id/1", "id/2"}, be.Keys("q64"))

	sizes := []int{10, 10, 5}
	require.NoError(t, s.db.WithTransaction(ctx, "q64", kv.ReadOnly, func(tx *kv.Tx) error {
		for i, want := range sizes {
			rec, ok, err := tx.Get(ctx, SegmentKey("id", i))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, i, rec.Index)
			require.Equal(t, 3, rec.Total)
			require.Len(t, rec.Payload, want)
		}
		return nil
	}))
	got, err := s.Get(ctx, "id", Tier64)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestOrderIndependentOfWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	data := object(47)
	chunks := split(data, segSize)
	// 倒序写入
	require.NoError(t, s.db.WithTransaction(ctx, "q32", kv.ReadWrite, func(tx *kv.Tx) error {
		for i := len(chunks) - 1; i >= 0; i-- {
			if err := tx.Put(ctx, &kv.Record{Key: SegmentKey("o", i), Index: i, Total: len(chunks), Payload: chunks[i]}); err != nil {
				return err
			}
		}
		return nil
	}))
	got, err := s.Get(ctx, "o", Tier32)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	_, err := s.Get(ctx, "missing", Tier16)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "missing", Tier16)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "missing", Tier16), ErrNotFound)
}

func TestMissingSegment(t *testing.T) {
	ctx := context.Background()
	for k := 0; k < 5; k++ {
		be := kv.NewMemoryBackend()
		s := newStore(t, be, kv.CodecNone)
		require.NoError(t, s.Put(ctx, "m", Tier112, object(45)))
		require.NoError(t, be.Delete(ctx, "q112", SegmentKey("m", k)))
		got, err := s.Get(ctx, "m", Tier112)
		if k == 0 {
			require.ErrorIs(t, err, ErrNotFound)
		} else {
			require.ErrorIs(t, err, ErrIncompleteObject, "segment %d", k)
		}
		require.Nil(t, got)
	}
}

func TestMismatchedSegmentIsIncomplete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	require.NoError(t, s.Put(ctx, "m", Tier80, object(30)))

	// 1 号位置上存放了 index 2 的内容
	require.NoError(t, s.db.WithTransaction(ctx, "q80", kv.ReadWrite, func(tx *kv.Tx) error {
		return tx.Put(ctx, &kv.Record{Key: SegmentKey("m", 1), Index: 2, Total: 3, Payload: []byte("xx")})
	}))
	_, err := s.Get(ctx, "m", Tier80)
	require.ErrorIs(t, err, ErrIncompleteObject)

	// total 不一致
	require.NoError(t, s.db.WithTransaction(ctx, "q80", kv.ReadWrite, func(tx *kv.Tx) error {
		return tx.Put(ctx, &kv.Record{Key: SegmentKey("m", 1), Index: 1, Total: 2, Payload: []byte("xx")})
	}))
	_, err = s.Get(ctx, "m", Tier80)
	require.ErrorIs(t, err, ErrIncompleteObject)
}

func TestCorruptSegment(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)
	require.NoError(t, s.Put(ctx, "c", Tier80, object(30)))
	require.NoError(t, be.Put(ctx, "q80", "c/2", []byte{0xa0}))
	_, err := s.Get(ctx, "c", Tier80)
	require.ErrorIs(t, err, ErrIncompleteObject)
	require.ErrorIs(t, err, kv.ErrCorruptRecord)
}

func TestBadSegmentZeroHeader(t *testing.T) {
	ctx := context.Background()
	heads := []kv.Record{
		{Index: 0, Total: -1},
		{Index: 0, Total: 0},
		{Index: 0, Total: 1 << 62},
		{Index: 3, Total: 4},
	}
	for _, h := range heads {
		s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
		h.Key = SegmentKey("n", 0)
		h.Payload = []byte("abc")
		require.NoError(t, s.db.WithTransaction(ctx, "q64", kv.ReadWrite, func(tx *kv.Tx) error {
			return tx.Put(ctx, &h)
		}))
		_, err := s.Get(ctx, "n", Tier64)
		require.ErrorIs(t, err, ErrIncompleteObject, "%+v", h)
		_, err = s.Stat(ctx, "n", Tier64)
		require.ErrorIs(t, err, ErrIncompleteObject, "%+v", h)
		require.ErrorIs(t, s.Append(ctx, "n", Tier64, []byte("de")), ErrIncompleteObject, "%+v", h)
		require.NoError(t, s.Delete(ctx, "n", Tier64))
		_, err = s.Get(ctx, "n", Tier64)
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestPartitionIsolation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	a, b := object(31), object(12)
	require.NoError(t, s.Put(ctx, "x", Tier80, a))
	require.NoError(t, s.Put(ctx, "x", Tier64, b))

	require.NoError(t, s.Clear(ctx, Tier80))
	_, err := s.Get(ctx, "x", Tier80)
	require.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, "x", Tier64)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestClearIdempotent(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)
	require.NoError(t, s.Put(ctx, "a", Tier16, object(22)))
	require.NoError(t, s.Put(ctx, "b", Tier16, nil))
	require.NoError(t, s.Clear(ctx, Tier16))
	require.NoError(t, s.Clear(ctx, Tier16))
	require.Empty(t, be.Keys("q16"))
	require.ErrorIs(t, s.Clear(ctx, Tier(5)), ErrUnknownTier)
}

func TestClearSurfacesBackendError(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)
	require.NoError(t, be.Close())
	require.ErrorIs(t, s.Clear(ctx, Tier16), kv.ErrTransaction)
}

// flakyBackend 在第 failAt 次 Put 时失败。
type flakyBackend struct {
	kv.Backend
	puts   atomic.Int32
	failAt int32
}

var errDiskFull = errors.New("disk full")

func (f *flakyBackend) Put(ctx context.Context, partition, key string, value []byte) error {
	if f.puts.Add(1) == f.failAt {
		return errDiskFull
	}
	return f.Backend.Put(ctx, partition, key, value)
}

func TestSegmentWriteError(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryBackend()
	be := &flakyBackend{Backend: mem, failAt: 3}
	s := newStore(t, be, kv.CodecNone)

	err := s.Put(ctx, "p", Tier80, object(55))
	var we *SegmentWriteError
	require.ErrorAs(t, err, &we)
	require.Equal(t, "p", we.ID)
	require.Equal(t, 2, we.Index)
	require.Equal(t, 1, we.LastWritten)
	require.ErrorIs(t, err, errDiskFull)

	// 前缀保留，读取识别为残缺
	require.Equal(t, []string{"p/0", "p/1"}, mem.Keys("q80"))
	_, err = s.Get(ctx, "p", Tier80)
	require.ErrorIs(t, err, ErrIncompleteObject)

	// 先删除再重试
	require.NoError(t, s.Delete(ctx, "p", Tier80))
	require.Empty(t, mem.Keys("q80"))
	data := object(55)
	require.NoError(t, s.Put(ctx, "p", Tier80, data))
	got, err := s.Get(ctx, "p", Tier80)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFirstSegmentWriteFails(t *testing.T) {
	ctx := context.Background()
	be := &flakyBackend{Backend: kv.NewMemoryBackend(), failAt: 1}
	s := newStore(t, be, kv.CodecNone)
	var we *SegmentWriteError
	require.ErrorAs(t, s.Put(ctx, "p", Tier80, object(5)), &we)
	require.Equal(t, 0, we.Index)
	require.Equal(t, -1, we.LastWritten)
}

func TestCancelledPut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	err := s.Put(ctx, "p", Tier80, object(5))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEmptyObject(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)

	require.NoError(t, s.Put(ctx, "e", Tier32, object(25)))
	require.NoError(t, s.Put(ctx, "e", Tier32, []byte{}))
	require.Equal(t, []string{"e/-"}, be.Keys("q32"))
	got, err := s.Get(ctx, "e", Tier32)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.Put(ctx, "e", Tier32, []byte("abc")))
	require.Equal(t, []string{"e/0"}, be.Keys("q32"))

	require.NoError(t, s.Put(ctx, "e", Tier32, nil))
	require.NoError(t, s.Delete(ctx, "e", Tier32))
	_, err = s.Get(ctx, "e", Tier32)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	be := kv.NewMemoryBackend()
	s := newStore(t, be, kv.CodecNone)
	require.NoError(t, s.Put(ctx, "a", Tier80, object(35)))
	require.NoError(t, s.Put(ctx, "b", Tier80, object(5)))
	require.NoError(t, s.Delete(ctx, "a", Tier80))
	require.Equal(t, []string{"b/0"}, be.Keys("q80"))

	// 中间缺失的残缺对象也能删除干净
	require.NoError(t, s.Put(ctx, "c", Tier80, object(35)))
	require.NoError(t, be.Delete(ctx, "q80", "c/1"))
	require.NoError(t, s.Delete(ctx, "c", Tier80))
	require.Equal(t, []string{"b/0"}, be.Keys("q80"))
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	cases := []struct{ first, more int }{
		{0, 7},
		{3, 4},
		{3, 7},
		{10, 1},
		{14, 33},
		{20, 10},
		{25, 0},
	}
	for _, c := range cases {
		s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
		a, b := object(c.first), object(c.more+100)[:c.more]
		if c.first > 0 {
			require.NoError(t, s.Put(ctx, "x", Tier64, a))
		}
		require.NoError(t, s.Append(ctx, "x", Tier64, b))
		want := append(append([]byte{}, a...), b...)
		if len(want) == 0 {
			continue
		}
		got, err := s.Get(ctx, "x", Tier64)
		require.NoError(t, err, "%+v", c)
		require.Equal(t, want, got, "%+v", c)
		info, err := s.Stat(ctx, "x", Tier64)
		require.NoError(t, err)
		require.Equal(t, SegmentCount(len(want), segSize), info.Segments, "%+v", c)
	}
}

func TestAppendAfterSegmentSizeShrinks(t *testing.T) {
	ctx := context.Background()
	db, err := kv.Open(ctx, kv.NewMemoryBackend(), kv.Options{Name: "media", Version: 1, Partitions: partitions()})
	require.NoError(t, err)
	big, err := New(db, Options{MaxSegmentSize: 100})
	require.NoError(t, err)
	a := object(50)
	require.NoError(t, big.Put(ctx, "x", Tier32, a))

	small, err := New(db, Options{MaxSegmentSize: segSize})
	require.NoError(t, err)
	b := object(5)
	require.NoError(t, small.Append(ctx, "x", Tier32, b))

	got, err := small.Get(ctx, "x", Tier32)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, a...), b...), got)
	info, err := small.Stat(ctx, "x", Tier32)
	require.NoError(t, err)
	require.Equal(t, 2, info.Segments)
	require.EqualValues(t, 55, info.Size)
}

func TestAppendFailureKeepsOldObject(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryBackend()
	be := &flakyBackend{Backend: mem, failAt: 4}
	s := newStore(t, be, kv.CodecNone)
	a := object(15) // 2 个分段：put #1 #2
	require.NoError(t, s.Put(ctx, "x", Tier64, a))
	// 追加 30 字节：补满 1 号分段，再写 2 号 (#3)、3 号 (#4 失败)
	var we *SegmentWriteError
	require.ErrorAs(t, s.Append(ctx, "x", Tier64, object(30)), &we)
	require.Equal(t, 3, we.Index)
	require.Equal(t, 2, we.LastWritten)
	got, err := s.Get(ctx, "x", Tier64)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, kv.NewMemoryBackend(), kv.CodecNone)
	require.ErrorIs(t, s.Put(ctx, "", Tier80, []byte("a")), ErrInvalidID)
	require.ErrorIs(t, s.Put(ctx, "a/b", Tier80, []byte("a")), ErrInvalidID)
	require.ErrorIs(t, s.Put(ctx, "a", Tier(81), []byte("a")), ErrUnknownTier)
	_, err := s.Get(ctx, "a", Tier(81))
	require.ErrorIs(t, err, ErrUnknownTier)

	_, err = New(s.db, Options{MaxSegmentSize: 0})
	require.Error(t, err)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	db, err := kv.Open(ctx, kv.NewMemoryBackend(), kv.Options{Name: "media", Partitions: partitions()})
	require.NoError(t, err)
	log := zerolog.Nop()
	s, err := New(db, Options{MaxSegmentSize: segSize, Logger: &log, Metrics: m})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", Tier80, object(25)))
	_, err = s.Get(ctx, "a", Tier80)
	require.NoError(t, err)
	_, err = s.Get(ctx, "b", Tier80)
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, 3.0, testutil.ToFloat64(m.Segments.WithLabelValues("write", "80")))
	require.Equal(t, 25.0, testutil.ToFloat64(m.Bytes.WithLabelValues("read", "80")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Ops.WithLabelValues("get", "not_found")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Ops.WithLabelValues("put", "ok")))
}

func TestBadgerBackendStore(t *testing.T) {
	ctx := context.Background()
	be, err := kv.OpenBadgerBackend("", true, zerolog.Nop())
	require.NoError(t, err)
	s := newStore(t, be, kv.CodecZstd)
	defer s.Close()
	data := bytes.Repeat([]byte("frame"), 40)
	require.NoError(t, s.Put(ctx, "clip", Tier112, data))
	got, err := s.Get(ctx, "clip", Tier112)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, s.Clear(ctx, Tier112))
	_, err = s.Get(ctx, "clip", Tier112)
	require.ErrorIs(t, err, ErrNotFound)
}
