package vblk

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/pkg/errors"
)

type Config struct {
	Device      string `hcl:"device,optional"`
	Listen      string `hcl:"listen,optional"`
	MetricsAddr string `hcl:"metrics_addr,optional"`
	ReadOnly    bool   `hcl:"read_only,optional"`
	Timeout     int    `hcl:"timeout,optional"`

	Backend BackendConfig `hcl:"backend,block"`
}

type BackendConfig struct {
	Type string `hcl:"type,label"`

	BlockSize   int    `hcl:"block_size,optional"`
	Blocks      int64  `hcl:"blocks,optional"`
	Path        string `hcl:"path,optional"`
	Pattern     string `hcl:"pattern,optional"`
	CacheBlocks int    `hcl:"cache_blocks,optional"`
	Compress    bool   `hcl:"compress,optional"`
}

const (
	DefaultBlockSize = 4096
	DefaultListen    = ":10809"
	DefaultDevice    = "/dev/nbd0"
)

var ErrInvalidConfig = errors.New("invalid configuration")

func LoadConfig(path string) (*Config, error) {
	var (
		ctx hcl.EvalContext
		cfg Config
	)

	err := hclsimple.DecodeFile(path, &ctx, &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	if cfg.Timeout < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative timeout %d", cfg.Timeout)
	}

	if cfg.Backend.BlockSize < 0 || cfg.Backend.Blocks < 0 || cfg.Backend.CacheBlocks < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "backend %q has negative sizes", cfg.Backend.Type)
	}

	return &cfg, nil
}

func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
