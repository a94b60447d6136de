package common

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const MiB = 1024 * 1024

// etcd 默认单请求上限 1.5 MiB，留出记录头部空间。
const EtcdMaxSegmentSize = MiB

// StoreConfig 描述后端存储与分段参数，构造时提供，运行期不变。
type StoreConfig struct {
	Name           string   `yaml:"name"`
	Version        uint64   `yaml:"version"`
	MaxSegmentSize int      `yaml:"max_segment_size"`
	Tiers          []int    `yaml:"tiers"`
	Backend        string   `yaml:"backend"` // memory | file | badger | etcd
	DataDir        string   `yaml:"data_dir"`
	Etcd           []string `yaml:"etcd"`
	Compression    string   `yaml:"compression"` // none | lz4 | zstd
}

type GatewayConfig struct {
	Addr       string      `yaml:"addr"`
	MaxBodyMiB int64       `yaml:"max_body_mib"`
	Store      StoreConfig `yaml:"store"`
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Name:           "media-cache",
		Version:        1,
		MaxSegmentSize: 100 * MiB,
		Tiers:          []int{112, 80, 64, 32, 16},
		Backend:        "memory",
		DataDir:        "./data",
		Etcd:           []string{"http://127.0.0.1:2379"},
		Compression:    "none",
	}
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{Addr: ":8080", MaxBodyMiB: 2048, Store: DefaultStoreConfig()}
}

func (c StoreConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("store name is empty")
	}
	if c.Version == 0 {
		return fmt.Errorf("store version must be > 0")
	}
	if c.MaxSegmentSize <= 0 {
		return fmt.Errorf("max segment size must be > 0, got %d", c.MaxSegmentSize)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("no tiers configured")
	}
	seen := map[int]struct{}{}
	for _, t := range c.Tiers {
		if _, ok := seen[t]; ok {
			return fmt.Errorf("duplicate tier %d", t)
		}
		seen[t] = struct{}{}
	}
	switch c.Backend {
	case "memory", "file", "badger":
	case "etcd":
		if c.MaxSegmentSize > EtcdMaxSegmentSize {
			return fmt.Errorf("max segment size %d exceeds etcd limit %d", c.MaxSegmentSize, EtcdMaxSegmentSize)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// LoadGatewayConfig 读取 YAML，未出现的字段保留默认值。
func LoadGatewayConfig(path string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Store.Validate()
}
