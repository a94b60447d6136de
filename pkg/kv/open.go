package kv

import (
	"fmt"
	"path/filepath"

	"MediaCache/pkg/common"
	"github.com/rs/zerolog"
)

// OpenBackend 按配置选择驱动，失败统一包装为 ErrOpen。
func OpenBackend(cfg common.StoreConfig, log zerolog.Logger) (Backend, error) {
	var (
		be  Backend
		err error
	)
	dir := filepath.Join(cfg.DataDir, cfg.Name)
	switch cfg.Backend {
	case "memory":
		be = NewMemoryBackend()
	case "file":
		be, err = OpenFileBackend(dir)
	case "badger":
		be, err = OpenBadgerBackend(dir, false, log)
	case "etcd":
		be, err = NewEtcdBackend(cfg.Etcd, cfg.Name)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, cfg.Backend, err)
	}
	log.Info().Str("backend", cfg.Backend).Str("name", cfg.Name).Msg("backend opened")
	return be, nil
}
