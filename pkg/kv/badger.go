package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerBackend 把所有分区放在同一个 badger 实例中，分区只是键前缀。
//
//	m/version          -> uint64 (big endian)
//	m/part/<name>      -> 分区标记
//	p/<name>/<key>     -> 记录
type BadgerBackend struct {
	db *badger.DB
}

var badgerVersionKey = []byte("m/version")

const badgerPartPrefix = "m/part/"

func OpenBadgerBackend(dir string, inMemory bool, log zerolog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db}, nil
}

func badgerRecordPrefix(partition string) []byte { return []byte("p/" + partition + "/") }

func badgerRecordKey(partition, key string) []byte {
	return append(badgerRecordPrefix(partition), key...)
}

func (b *BadgerBackend) Version(ctx context.Context) (uint64, error) {
	var v uint64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerVersionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				v = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	return v, err
}

func (b *BadgerBackend) SetVersion(ctx context.Context, v uint64) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerVersionKey, binary.BigEndian.AppendUint64(nil, v))
	})
}

func (b *BadgerBackend) Partitions(ctx context.Context) ([]string, error) {
	var res []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerPartPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			res = append(res, strings.TrimPrefix(string(it.Item().Key()), badgerPartPrefix))
		}
		return nil
	})
	sort.Strings(res)
	return res, err
}

func (b *BadgerBackend) CreatePartition(ctx context.Context, name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPartPrefix+name), []byte{1})
	})
}

func (b *BadgerBackend) exists(txn *badger.Txn, partition string) error {
	if _, err := txn.Get([]byte(badgerPartPrefix + partition)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.New("no partition " + partition)
		}
		return err
	}
	return nil
}

func (b *BadgerBackend) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		if err := b.exists(txn, partition); err != nil {
			return err
		}
		item, err := txn.Get(badgerRecordKey(partition, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Put 每条记录单独提交，大 value 落在 value log 中。
func (b *BadgerBackend) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.exists(txn, partition); err != nil {
			return err
		}
		return txn.Set(badgerRecordKey(partition, key), value)
	})
}

func (b *BadgerBackend) Delete(ctx context.Context, partition, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.exists(txn, partition); err != nil {
			return err
		}
		return txn.Delete(badgerRecordKey(partition, key))
	})
}

func (b *BadgerBackend) Clear(ctx context.Context, partition string) error {
	if err := b.db.View(func(txn *badger.Txn) error { return b.exists(txn, partition) }); err != nil {
		return err
	}
	return b.db.DropPrefix(badgerRecordPrefix(partition))
}

func (b *BadgerBackend) Close() error { return b.db.Close() }

type badgerLogger struct{ l zerolog.Logger }

func (g badgerLogger) Errorf(f string, v ...interface{})   { g.l.Error().Msgf(f, v...) }
func (g badgerLogger) Warningf(f string, v ...interface{}) { g.l.Warn().Msgf(f, v...) }
func (g badgerLogger) Infof(f string, v ...interface{})    { g.l.Debug().Msgf(f, v...) }
func (g badgerLogger) Debugf(f string, v ...interface{})   { g.l.Trace().Msgf(f, v...) }
