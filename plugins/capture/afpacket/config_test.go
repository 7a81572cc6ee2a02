package afpacket

import (
	"errors"
	"testing"

	"firestige.xyz/tracevia/internal/core"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
		check   func(t *testing.T, c Config)
	}{
		{
			name:  "defaults",
			input: map[string]any{"interface": "eth0"},
			check: func(t *testing.T, c Config) {
				if c.SnapLen != defaultSnapLen || c.BlockSize != defaultBlockSize || c.NumBlocks != defaultNumBlocks {
					t.Errorf("unexpected defaults: %+v", c)
				}
				if !c.Promiscuous {
					t.Error("expected promiscuous by default")
				}
			},
		},
		{
			name:  "overrides",
			input: map[string]any{"interface": "eth1", "snap_len": 1500, "bpf_filter": "port 5060", "fanout_type": "hash"},
			check: func(t *testing.T, c Config) {
				if c.SnapLen != 1500 || c.BPFFilter != "port 5060" || c.FanoutType != "hash" {
					t.Errorf("overrides not applied: %+v", c)
				}
			},
		},
		{
			name:    "missing interface",
			input:   map[string]any{},
			wantErr: true,
		},
		{
			name:    "non-positive snap_len",
			input:   map[string]any{"interface": "eth0", "snap_len": 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parseConfig(tt.input)
			if tt.wantErr {
				if !errors.Is(err, core.ErrPluginInitFailed) {
					t.Errorf("expected ErrPluginInitFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConfig failed: %v", err)
			}
			tt.check(t, c)
		})
	}
}
