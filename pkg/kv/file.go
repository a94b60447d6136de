package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	xx "github.com/cespare/xxhash/v2"
)

// FileBackend 每个分区一个目录，每条记录一个文件。
// 写入先记 WAL，再写临时文件、fsync 后 rename 并 fsync 所在目录，
// 崩溃后一条记录要么是旧内容要么是完整的新内容。
type FileBackend struct {
	base string
	wal  *WAL
}

func OpenFileBackend(base string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(base, "parts"), 0o755); err != nil {
		return nil, err
	}
	wal, err := OpenWAL(filepath.Join(base, "wal"))
	if err != nil {
		return nil, err
	}
	return &FileBackend{base: base, wal: wal}, nil
}

func (f *FileBackend) partDir(name string) string {
	return filepath.Join(f.base, "parts", hex.EncodeToString([]byte(name)))
}

// 文件名为 key 的 sha256，前两级目录取其前缀打散。文件名长度与 key 无关；
// 读取时 Tx.Get 会核对记录里的 Key。
func (f *FileBackend) recordPath(partition, key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(f.partDir(partition), h[:2], h[2:4], h)
}

func (f *FileBackend) versionPath() string { return filepath.Join(f.base, "VERSION") }

func (f *FileBackend) Version(ctx context.Context) (uint64, error) {
	b, err := os.ReadFile(f.versionPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

func (f *FileBackend) SetVersion(ctx context.Context, v uint64) error {
	return writeAtomic(f.versionPath(), []byte(strconv.FormatUint(v, 10)))
}

func (f *FileBackend) Partitions(ctx context.Context) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(f.base, "parts"))
	if err != nil {
		return nil, err
	}
	var res []string
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		name, err := hex.DecodeString(e.Name())
		if err != nil {
			continue // 清理中的 .trash 目录
		}
		res = append(res, string(name))
	}
	sort.Strings(res)
	return res, nil
}

func (f *FileBackend) CreatePartition(ctx context.Context, name string) error {
	if err := f.wal.Append("PART", name, "", ""); err != nil {
		return err
	}
	return os.MkdirAll(f.partDir(name), 0o755)
}

func (f *FileBackend) exists(partition string) error {
	st, err := os.Stat(f.partDir(partition))
	if err != nil || !st.IsDir() {
		return fmt.Errorf("no partition %q", partition)
	}
	return nil
}

func (f *FileBackend) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := f.exists(partition); err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(f.recordPath(partition, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (f *FileBackend) Put(ctx context.Context, partition, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.exists(partition); err != nil {
		return err
	}
	p := f.recordPath(partition, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := f.wal.Append("PUT", partition, key, fmt.Sprintf("%x", xx.Sum64(value))); err != nil {
		return err
	}
	return writeAtomic(p, value)
}

func (f *FileBackend) Delete(ctx context.Context, partition, key string) error {
	if err := f.exists(partition); err != nil {
		return err
	}
	if err := f.wal.Append("DEL", partition, key, ""); err != nil {
		return err
	}
	err := os.Remove(f.recordPath(partition, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Clear 先把分区目录整体移走再重建，删除旧目录失败不影响新分区可见性。
func (f *FileBackend) Clear(ctx context.Context, partition string) error {
	if err := f.exists(partition); err != nil {
		return err
	}
	if err := f.wal.Append("CLEAR", partition, "", ""); err != nil {
		return err
	}
	dir := f.partDir(partition)
	trash := fmt.Sprintf("%s.trash-%d", dir, time.Now().UnixNano())
	if err := os.Rename(dir, trash); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.RemoveAll(trash)
}

func (f *FileBackend) Close() error { return f.wal.Close() }

func writeAtomic(p string, data []byte) error {
	tmp := p + ".tmp"
	fd, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return err
	}
	return syncDir(filepath.Dir(p))
}

// syncDir 让 rename 产生的目录项落盘。
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
