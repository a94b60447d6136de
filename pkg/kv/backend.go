package kv

import (
	"context"
	"errors"
)

var (
	// ErrOpen 后端不可用、被拒绝或版本不兼容。
	ErrOpen = errors.New("kv: open failed")
	// ErrTransaction 分区不存在，或事务被中止/已结束。
	ErrTransaction = errors.New("kv: transaction failed")
	// ErrCorruptRecord 记录无法解码或校验和不匹配。
	ErrCorruptRecord = errors.New("kv: corrupt record")
	// ErrClosed 后端已关闭。
	ErrClosed = errors.New("kv: backend closed")
)

// Backend 是底层键值存储驱动。每个分区是一个独立的键空间，
// 单条记录的写入由驱动保证持久化（逐条提交）。
type Backend interface {
	// Version 返回已存储的 schema 版本，存储不存在时为 0。
	Version(ctx context.Context) (uint64, error)
	SetVersion(ctx context.Context, v uint64) error

	Partitions(ctx context.Context) ([]string, error)
	// CreatePartition 对已存在的分区是幂等的。
	CreatePartition(ctx context.Context, name string) error

	Get(ctx context.Context, partition, key string) ([]byte, bool, error)
	Put(ctx context.Context, partition, key string, value []byte) error
	Delete(ctx context.Context, partition, key string) error
	Clear(ctx context.Context, partition string) error

	Close() error
}

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "read"
}
