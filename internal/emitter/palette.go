package emitter

import (
	"fmt"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/dialog"
)

// Palette maps dialog state and extension presence to colors.
type Palette struct {
	Name     string
	States   map[dialog.State]core.Color
	Node     core.Color
	Presence func(status int) core.Color
}

// Palette names accepted in configuration.
const (
	PaletteNormal       = "normal"
	PaletteHighContrast = "high_contrast"
)

var (
	normalPalette = Palette{
		Name: PaletteNormal,
		States: map[dialog.State]core.Color{
			dialog.StateTrying:     "#606060",
			dialog.StateProceeding: "#00008b",
			dialog.StateEarly:      "#ffff00",
			dialog.StateConfirmed:  "#006400",
			dialog.StateTerminated: "#a52a2a",
			dialog.StateFailed:     "#8b0000",
			dialog.StateCancelled:  "#a52a2a",
		},
		Node: "#606060",
		Presence: func(status int) core.Color {
			switch status {
			case 0:
				return "#006400"
			case 1, 9:
				return "#00008b"
			case 2, 4:
				return "#8b0000"
			case 8:
				return "#ffff00"
			case 16, 17:
				return "#a52a2a"
			default:
				return "#606060"
			}
		},
	}

	highContrastPalette = Palette{
		Name: PaletteHighContrast,
		States: map[dialog.State]core.Color{
			dialog.StateTrying:     "#606060",
			dialog.StateProceeding: "#ffd700",
			dialog.StateEarly:      "#ffff00",
			dialog.StateConfirmed:  "#00008b",
			dialog.StateTerminated: "#f0e68c",
			dialog.StateFailed:     "#8b0000",
			dialog.StateCancelled:  "#f0e68c",
		},
		Node: "#606060",
		Presence: func(status int) core.Color {
			switch status {
			case 0:
				return "#00008b"
			case 1, 9:
				return "#ffd700"
			case 2, 4:
				return "#8b0000"
			case 8:
				return "#ffff00"
			case 16, 17:
				return "#f0e68c"
			default:
				return "#606060"
			}
		},
	}
)

// LookupPalette returns the named palette. An empty name selects normal.
func LookupPalette(name string) (Palette, error) {
	switch name {
	case "", PaletteNormal:
		return normalPalette, nil
	case PaletteHighContrast:
		return highContrastPalette, nil
	default:
		return Palette{}, fmt.Errorf("unknown palette %q: %w", name, core.ErrConfigInvalid)
	}
}

// StateColor returns the color of a dialog in state s.
func (p Palette) StateColor(s dialog.State) core.Color {
	if c, ok := p.States[s]; ok {
		return c
	}
	return p.Node
}
