package afpacket

import (
	"fmt"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

const (
	pluginName = "afpacket"

	// Default configuration values
	defaultSnapLen   = 65535
	defaultBlockSize = 4 * 1024 * 1024 // 4MB
	defaultNumBlocks = 128
	defaultFanoutID  = 42
)

// Config represents afpacket-specific configuration.
type Config struct {
	Interface   string `mapstructure:"interface"`   // required
	BPFFilter   string `mapstructure:"bpf_filter"`  // optional
	SnapLen     int    `mapstructure:"snap_len"`    // optional, default 65535
	BlockSize   int    `mapstructure:"block_size"`  // optional, default 4MB
	NumBlocks   int    `mapstructure:"num_blocks"`  // optional, default 128
	FanoutID    int    `mapstructure:"fanout_id"`   // optional, default 42
	FanoutType  string `mapstructure:"fanout_type"` // optional: hash, empty disables fanout
	Promiscuous bool   `mapstructure:"promiscuous"` // optional, default true
}

func parseConfig(cfg map[string]any) (Config, error) {
	config := Config{
		SnapLen:     defaultSnapLen,
		BlockSize:   defaultBlockSize,
		NumBlocks:   defaultNumBlocks,
		FanoutID:    defaultFanoutID,
		Promiscuous: true,
	}
	if err := plugin.DecodeConfig(cfg, &config); err != nil {
		return Config{}, err
	}
	if config.Interface == "" {
		return Config{}, fmt.Errorf("afpacket: interface is required: %w", core.ErrPluginInitFailed)
	}
	if config.SnapLen <= 0 || config.BlockSize <= 0 || config.NumBlocks <= 0 {
		return Config{}, fmt.Errorf("afpacket: snap_len, block_size and num_blocks must be positive: %w", core.ErrPluginInitFailed)
	}
	return config, nil
}
