package segstore

import (
	"context"
	"fmt"
	"sort"

	"MediaCache/pkg/common"
	"MediaCache/pkg/kv"
	"MediaCache/pkg/metrics"
	"github.com/rs/zerolog"
)

// Open 按配置打开后端、确保分区存在并构造 Store。
func Open(ctx context.Context, cfg common.StoreConfig, m *metrics.Metrics, log zerolog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", kv.ErrOpen, err)
	}
	codec, err := kv.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kv.ErrOpen, err)
	}
	be, err := kv.OpenBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	tiers := TierTable(cfg.Tiers)
	parts := make([]string, 0, len(tiers))
	for _, p := range tiers {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	db, err := kv.Open(ctx, be, kv.Options{
		Name:       cfg.Name,
		Version:    cfg.Version,
		Partitions: parts,
		Codec:      codec,
		Logger:     &log,
	})
	if err != nil {
		_ = be.Close()
		return nil, err
	}
	s, err := New(db, Options{MaxSegmentSize: cfg.MaxSegmentSize, Tiers: tiers, Logger: &log, Metrics: m})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tiers 返回已配置的档位（降序）。
func (s *Store) Tiers() []Tier {
	res := make([]Tier, 0, len(s.tiers))
	for t := range s.tiers {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] > res[j] })
	return res
}
