package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WAL 是追加写的操作日志，每条记录落盘（fsync）后才执行对应的文件操作。
type WAL struct {
	mu sync.Mutex
	f  *os.File
}

func OpenWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "wal.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &WAL{f: f}, nil
}

func (w *WAL) Append(op, partition, key string, extra string) error {
	rec := fmt.Sprintf("%s %x %x %s\n", op, partition, key, extra)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(rec); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *WAL) Close() error { return w.f.Close() }
