package segstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"MediaCache/pkg/kv"
	"MediaCache/pkg/metrics"
	"github.com/rs/zerolog"
)

// Get 按 0 号分段预分配的分段数上限。
const preallocSegments = 64

type Options struct {
	MaxSegmentSize int
	Tiers          map[Tier]string
	Logger         *zerolog.Logger
	Metrics        *metrics.Metrics
}

// Store 把对象切成不超过 MaxSegmentSize 的分段写入分区，读取时按序重组。
type Store struct {
	db    *kv.DB
	max   int
	tiers map[Tier]string
	log   zerolog.Logger
	m     *metrics.Metrics
}

type Info struct {
	ID       string
	Tier     Tier
	Segments int
	Size     int64
}

func New(db *kv.DB, opts Options) (*Store, error) {
	if opts.MaxSegmentSize <= 0 {
		return nil, fmt.Errorf("segstore: max segment size must be > 0, got %d", opts.MaxSegmentSize)
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers()
	}
	s := &Store{db: db, max: opts.MaxSegmentSize, tiers: opts.Tiers, log: zerolog.Nop(), m: opts.Metrics}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "segstore").Logger()
	}
	return s, nil
}

// SegmentKey 返回 id 第 index 个分段的主键 "<id>/<index>"。
func SegmentKey(id string, index int) string { return id + "/" + strconv.Itoa(index) }

// 空对象标记，不是分段。
func emptyKey(id string) string { return id + "/-" }

// SegmentCount = ceil(size/max)，size 为 0 时为 0。
func SegmentCount(size, limit int) int {
	return (size + limit - 1) / limit
}

func split(data []byte, limit int) [][]byte {
	chunks := make([][]byte, 0, SegmentCount(len(data), limit))
	for off := 0; off < len(data); off += limit {
		end := min(off+limit, len(data))
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func (s *Store) partition(id string, tier Tier) (string, error) {
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	p, ok := s.tiers[tier]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return p, nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrIncompleteObject):
		result = "incomplete"
	default:
		result = "error"
	}
	s.m.Observe(op, result, start)
}

// Put 按 index 递增顺序逐个写入分段，前一个写完才写下一个。
// 中途失败返回 *SegmentWriteError，已写入的分段不回滚。
func (s *Store) Put(ctx context.Context, id string, tier Tier, data []byte) (err error) {
	defer func(start time.Time) { s.observe("put", start, err) }(time.Now())
	part, err := s.partition(id, tier)
	if err != nil {
		return err
	}
	chunks := split(data, s.max)
	err = s.db.WithTransaction(ctx, part, kv.ReadWrite, func(tx *kv.Tx) error {
		if len(chunks) == 0 {
			if err := s.dropSegments(ctx, tx, id, 0); err != nil {
				return err
			}
			return tx.Put(ctx, &kv.Record{Key: emptyKey(id)})
		}
		if err := tx.Delete(ctx, emptyKey(id)); err != nil {
			return err
		}
		if err := s.writeSegments(ctx, tx, id, tier, chunks, 0, len(chunks)); err != nil {
			return err
		}
		// 旧对象更长时留下的尾部分段
		return s.dropSegments(ctx, tx, id, len(chunks))
	})
	if err != nil {
		return err
	}
	s.log.Debug().Str("id", id).Stringer("tier", tier).Int("size", len(data)).Int("segments", len(chunks)).Msg("object stored")
	return nil
}

func (s *Store) writeSegments(ctx context.Context, tx *kv.Tx, id string, tier Tier, chunks [][]byte, start, total int) error {
	last := start - 1
	for i, p := range chunks {
		idx := start + i
		if err := ctx.Err(); err != nil {
			return &SegmentWriteError{ID: id, Index: idx, LastWritten: last, Err: err}
		}
		rec := &kv.Record{Key: SegmentKey(id, idx), Index: idx, Total: total, Payload: p}
		if err := tx.Put(ctx, rec); err != nil {
			return &SegmentWriteError{ID: id, Index: idx, LastWritten: last, Err: err}
		}
		last = idx
		s.m.Segment("write", tier.String(), len(p))
	}
	return nil
}

// dropSegments 从 from 开始删除连续存在的分段，遇到第一个缺口停止。
func (s *Store) dropSegments(ctx context.Context, tx *kv.Tx, id string, from int) error {
	for i := from; ; i++ {
		ok, err := tx.Has(ctx, SegmentKey(id, i))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Delete(ctx, SegmentKey(id, i)); err != nil {
			return err
		}
	}
}

// Get 读取 0 号分段得到 total，再按 index 逐个读取后续分段并按序拼接。
func (s *Store) Get(ctx context.Context, id string, tier Tier) (out []byte, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	part, err := s.partition(id, tier)
	if err != nil {
		return nil, err
	}
	err = s.db.WithTransaction(ctx, part, kv.ReadOnly, func(tx *kv.Tx) error {
		first, empty, err := s.head(ctx, tx, id, tier)
		if err != nil || empty {
			out = []byte{}
			return err
		}
		out = make([]byte, 0, min(first.Total, preallocSegments)*len(first.Payload))
		return s.walk(ctx, tx, id, first, func(rec *kv.Record) {
			out = append(out, rec.Payload...)
			s.m.Segment("read", tier.String(), len(rec.Payload))
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// head 读取 0 号分段；不存在时检查空对象标记。
func (s *Store) head(ctx context.Context, tx *kv.Tx, id string, tier Tier) (*kv.Record, bool, error) {
	first, ok, err := tx.Get(ctx, SegmentKey(id, 0))
	if err != nil {
		return nil, false, s.segmentErr(id, 0, err)
	}
	if ok {
		if err := checkHead(id, first); err != nil {
			return nil, false, err
		}
		return first, false, nil
	}
	empty, err := tx.Has(ctx, emptyKey(id))
	if err != nil {
		return nil, false, err
	}
	if empty {
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s in tier %s", ErrNotFound, id, tier)
}

// checkHead 校验 0 号分段的 Index 与 Total；Total 不在校验和覆盖范围内。
func checkHead(id string, first *kv.Record) error {
	if first.Total <= 0 || first.Index != 0 {
		return fmt.Errorf("%w: %s segment 0 has index %d, total %d", ErrIncompleteObject, id, first.Index, first.Total)
	}
	return nil
}

func (s *Store) segmentErr(id string, index int, err error) error {
	if errors.Is(err, kv.ErrCorruptRecord) {
		return fmt.Errorf("%w: %s segment %d: %w", ErrIncompleteObject, id, index, err)
	}
	return err
}

// walk 以 first 为起点按 index 递增遍历，同一时刻只有一个读取在进行。
// 每个分段的 Index 必须等于期望位置，Total 必须与 0 号分段一致。
func (s *Store) walk(ctx context.Context, tx *kv.Tx, id string, first *kv.Record, fn func(*kv.Record)) error {
	total := first.Total
	rec := first
	for n := 0; ; {
		fn(rec)
		n++
		if n == total {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok, err := tx.Get(ctx, SegmentKey(id, n))
		if err != nil {
			return s.segmentErr(id, n, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s missing segment %d of %d", ErrIncompleteObject, id, n, total)
		}
		if next.Index != n || next.Total != total {
			return fmt.Errorf("%w: %s segment %d has index %d, total %d (want total %d)",
				ErrIncompleteObject, id, n, next.Index, next.Total, total)
		}
		rec = next
	}
}

// Stat 遍历分段链但不拼接 payload。
func (s *Store) Stat(ctx context.Context, id string, tier Tier) (info Info, err error) {
	defer func(start time.Time) { s.observe("stat", start, err) }(time.Now())
	part, err := s.partition(id, tier)
	if err != nil {
		return Info{}, err
	}
	info = Info{ID: id, Tier: tier}
	err = s.db.WithTransaction(ctx, part, kv.ReadOnly, func(tx *kv.Tx) error {
		first, empty, err := s.head(ctx, tx, id, tier)
		if err != nil || empty {
			return err
		}
		return s.walk(ctx, tx, id, first, func(rec *kv.Record) {
			info.Segments++
			info.Size += int64(len(rec.Payload))
		})
	})
	if err != nil {
		return Info{}, err
	}
	return info, nil
}

// Clear 在一个读写事务中清空档位对应的分区，可重复调用。
func (s *Store) Clear(ctx context.Context, tier Tier) (err error) {
	defer func(start time.Time) { s.observe("clear", start, err) }(time.Now())
	part, ok := s.tiers[tier]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	err = s.db.WithTransaction(ctx, part, kv.ReadWrite, func(tx *kv.Tx) error {
		return tx.Clear(ctx)
	})
	if err != nil {
		return err
	}
	s.log.Info().Stringer("tier", tier).Msg("tier cleared")
	return nil
}

// Delete 删除单个对象的全部分段（包括未完成写入留下的前缀）。
func (s *Store) Delete(ctx context.Context, id string, tier Tier) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	part, err := s.partition(id, tier)
	if err != nil {
		return err
	}
	return s.db.WithTransaction(ctx, part, kv.ReadWrite, func(tx *kv.Tx) error {
		seg0, err := tx.Has(ctx, SegmentKey(id, 0))
		if err != nil {
			return err
		}
		empty, err := tx.Has(ctx, emptyKey(id))
		if err != nil {
			return err
		}
		if !seg0 && !empty {
			return fmt.Errorf("%w: %s in tier %s", ErrNotFound, id, tier)
		}
		// 0 号分段损坏时只能删除连续前缀
		total := 0
		if first, ok, err := tx.Get(ctx, SegmentKey(id, 0)); err == nil && ok && checkHead(id, first) == nil {
			total = first.Total
		}
		// 先删 0 号分段，中途失败时对象表现为不存在而不是残缺；
		// 遇到空洞后只再删除紧随其后的连续段
		from := 0
		for ; from < total; from++ {
			ok, err := tx.Has(ctx, SegmentKey(id, from))
			if err != nil {
				return err
			}
			if !ok && from > 0 {
				from++
				break
			}
			if err := tx.Delete(ctx, SegmentKey(id, from)); err != nil {
				return err
			}
		}
		if err := s.dropSegments(ctx, tx, id, from); err != nil {
			return err
		}
		return tx.Delete(ctx, emptyKey(id))
	})
}

// Append 把 data 追加到已有对象之后：先补满最后一个分段，再写新分段，
// 最后按 index 递增顺序把新的 total 写回旧分段。对象不存在时等同于 Put。
func (s *Store) Append(ctx context.Context, id string, tier Tier, data []byte) (err error) {
	defer func(start time.Time) { s.observe("append", start, err) }(time.Now())
	part, err := s.partition(id, tier)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var exists bool
	err = s.db.WithTransaction(ctx, part, kv.ReadWrite, func(tx *kv.Tx) error {
		first, ok, err := tx.Get(ctx, SegmentKey(id, 0))
		if err != nil {
			return s.segmentErr(id, 0, err)
		}
		if !ok {
			chunks := split(data, s.max)
			if err := tx.Delete(ctx, emptyKey(id)); err != nil {
				return err
			}
			return s.writeSegments(ctx, tx, id, tier, chunks, 0, len(chunks))
		}
		exists = true
		return s.extend(ctx, tx, id, tier, first, data)
	})
	if err == nil && !exists {
		s.log.Debug().Str("id", id).Stringer("tier", tier).Msg("append created object")
	}
	return err
}

func (s *Store) extend(ctx context.Context, tx *kv.Tx, id string, tier Tier, first *kv.Record, data []byte) error {
	if err := checkHead(id, first); err != nil {
		return err
	}
	total := first.Total
	last := first
	if total > 1 {
		var ok bool
		var err error
		if last, ok, err = tx.Get(ctx, SegmentKey(id, total-1)); err != nil {
			return s.segmentErr(id, total-1, err)
		} else if !ok {
			return fmt.Errorf("%w: %s missing segment %d of %d", ErrIncompleteObject, id, total-1, total)
		}
	}
	// 分段上限调小后，旧的最后一段可能已超过 s.max，此时不再补写
	fill := max(0, min(s.max-len(last.Payload), len(data)))
	chunks := split(data[fill:], s.max)
	newTotal := total + len(chunks)

	// 新分段先写，写入失败时旧对象仍然完整可读
	if err := s.writeSegments(ctx, tx, id, tier, chunks, total, newTotal); err != nil {
		return err
	}
	tail := append(append(make([]byte, 0, len(last.Payload)+fill), last.Payload...), data[:fill]...)
	from := total - 1
	if newTotal != total {
		from = 0
	}
	// 更新 total：0 号分段最先改写，中途失败会被读取端识别为 total 不一致
	done := -1
	for i := from; i < total; i++ {
		rec := first
		switch {
		case i == total-1:
			rec = &kv.Record{Key: last.Key, Index: i, Total: newTotal, Payload: tail}
		case i > 0:
			got, ok, err := tx.Get(ctx, SegmentKey(id, i))
			if err != nil {
				return s.segmentErr(id, i, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s missing segment %d of %d", ErrIncompleteObject, id, i, total)
			}
			rec = got
		}
		rec.Total = newTotal
		if err := tx.Put(ctx, rec); err != nil {
			return &SegmentWriteError{ID: id, Index: i, LastWritten: done, Err: err}
		}
		done = i
	}
	return nil
}
