package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Options struct {
	Name       string
	Version    uint64
	Partitions []string
	Codec      Codec
	Logger     *zerolog.Logger
}

// DB 是打开后的存储句柄，在所有操作间共享。
type DB struct {
	be    Backend
	opts  Options
	log   zerolog.Logger
	mu    sync.Mutex
	parts map[string]*sync.RWMutex
}

// Open 打开 be，并确保固定分区集合存在：
// 存储不存在或版本较低时创建缺失分区并写入新版本，同版本下不做任何创建。
func Open(ctx context.Context, be Backend, opts Options) (*DB, error) {
	if opts.Version == 0 {
		opts.Version = 1
	}
	db := &DB{be: be, opts: opts, log: zerolog.Nop(), parts: map[string]*sync.RWMutex{}}
	if opts.Logger != nil {
		db.log = opts.Logger.With().Str("db", opts.Name).Logger()
	}
	if err := db.ensurePartitions(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) ensurePartitions(ctx context.Context) error {
	cur, err := db.be.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: read version: %w", ErrOpen, err)
	}
	want := db.opts.Version
	if cur > want {
		return fmt.Errorf("%w: stored version %d is newer than %d", ErrOpen, cur, want)
	}
	existing, err := db.be.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list partitions: %w", ErrOpen, err)
	}
	for _, p := range existing {
		db.parts[p] = &sync.RWMutex{}
	}
	if cur == want {
		return nil
	}
	for _, p := range db.opts.Partitions {
		if _, ok := db.parts[p]; ok {
			continue
		}
		if err := db.be.CreatePartition(ctx, p); err != nil {
			return fmt.Errorf("%w: create partition %q: %w", ErrOpen, p, err)
		}
		db.parts[p] = &sync.RWMutex{}
		db.log.Info().Str("partition", p).Msg("partition created")
	}
	if err := db.be.SetVersion(ctx, want); err != nil {
		return fmt.Errorf("%w: write version: %w", ErrOpen, err)
	}
	db.log.Info().Uint64("from", cur).Uint64("to", want).Msg("store upgraded")
	return nil
}

func (db *DB) Partitions() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	res := make([]string, 0, len(db.parts))
	for p := range db.parts {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

func (db *DB) Close() error { return db.be.Close() }

func (db *DB) lock(partition string) (*sync.RWMutex, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.parts[partition]
	return l, ok
}

// WithTransaction 在 partition 上开启一个事务并执行 fn，
// 无论 fn 正常返回、出错还是 panic，事务都会被释放。
// 同一分区同时只有一个读写事务，只读事务可以并发。
func (db *DB) WithTransaction(ctx context.Context, partition string, mode Mode, fn func(*Tx) error) error {
	l, ok := db.lock(partition)
	if !ok {
		return fmt.Errorf("%w: partition %q does not exist", ErrTransaction, partition)
	}
	if mode == ReadWrite {
		l.Lock()
		defer l.Unlock()
	} else {
		l.RLock()
		defer l.RUnlock()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	tx := &Tx{db: db, partition: partition, mode: mode}
	defer tx.done.Store(true)
	return fn(tx)
}

// Tx 只在 WithTransaction 的回调内有效。
type Tx struct {
	db        *DB
	partition string
	mode      Mode
	done      atomic.Bool
}

func (tx *Tx) Partition() string { return tx.partition }

func (tx *Tx) check(write bool) error {
	if tx.done.Load() {
		return fmt.Errorf("%w: transaction on %q already finished", ErrTransaction, tx.partition)
	}
	if write && tx.mode != ReadWrite {
		return fmt.Errorf("%w: write in %s transaction on %q", ErrTransaction, tx.mode, tx.partition)
	}
	return nil
}

// Get 返回 key 对应的记录，不存在时 ok 为 false。
func (tx *Tx) Get(ctx context.Context, key string) (*Record, bool, error) {
	if err := tx.check(false); err != nil {
		return nil, false, err
	}
	b, ok, err := tx.db.be.Get(ctx, tx.partition, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s/%s: %w", ErrTransaction, tx.partition, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	rec, err := DecodeRecord(b)
	if err != nil {
		return nil, false, err
	}
	if rec.Key != key {
		return nil, false, fmt.Errorf("%w: key %q stored under %q", ErrCorruptRecord, rec.Key, key)
	}
	return rec, true, nil
}

// Has 只检查 key 是否存在，不解码记录。
func (tx *Tx) Has(ctx context.Context, key string) (bool, error) {
	if err := tx.check(false); err != nil {
		return false, err
	}
	_, ok, err := tx.db.be.Get(ctx, tx.partition, key)
	if err != nil {
		return false, fmt.Errorf("%w: get %s/%s: %w", ErrTransaction, tx.partition, key, err)
	}
	return ok, nil
}

func (tx *Tx) Put(ctx context.Context, rec *Record) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if rec.Key == "" {
		return fmt.Errorf("%w: record without key", ErrTransaction)
	}
	b, err := EncodeRecord(rec, tx.db.opts.Codec)
	if err != nil {
		return err
	}
	if err := tx.db.be.Put(ctx, tx.partition, rec.Key, b); err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", ErrTransaction, tx.partition, rec.Key, err)
	}
	return nil
}

func (tx *Tx) Delete(ctx context.Context, key string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.db.be.Delete(ctx, tx.partition, key); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %w", ErrTransaction, tx.partition, key, err)
	}
	return nil
}

// Clear 删除分区内全部记录，分区本身保留。
func (tx *Tx) Clear(ctx context.Context) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.db.be.Clear(ctx, tx.partition); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrTransaction, tx.partition, err)
	}
	tx.db.log.Debug().Str("partition", tx.partition).Msg("partition cleared")
	return nil
}
