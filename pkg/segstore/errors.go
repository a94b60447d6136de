package segstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 对象不存在（没有 0 号分段）。
	ErrNotFound = errors.New("segstore: object not found")
	// ErrIncompleteObject 某个应存在的分段缺失或与对象不一致。
	ErrIncompleteObject = errors.New("segstore: incomplete object")
	ErrUnknownTier      = errors.New("segstore: unknown tier")
	ErrInvalidID        = errors.New("segstore: invalid object id")
)

// SegmentWriteError 表示写分段序列中途失败。已写入的前缀保留在存储中，
// 需要原子性的调用方应先 Clear/Delete 再重试。
type SegmentWriteError struct {
	ID          string
	Index       int // 失败的分段
	LastWritten int // 最后一个写成功的分段，-1 表示没有
	Err         error
}

func (e *SegmentWriteError) Error() string {
	return fmt.Sprintf("segstore: write %s segment %d failed (last written %d): %v", e.ID, e.Index, e.LastWritten, e.Err)
}

func (e *SegmentWriteError) Unwrap() error { return e.Err }
