package plugin

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/tracevia/internal/core"
)

// DecodeConfig decodes a plugin's options map into out, which should carry
// defaults already. Durations may be given as strings ("250ms") and numbers
// may arrive as strings from environment overrides.
func DecodeConfig(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPluginInitFailed, err)
	}
	return nil
}
