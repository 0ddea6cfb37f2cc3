package overlay

import (
	"strconv"

	"mixerls/internal/interactive"
)

const (
	// CellSize is the base grid cell size used for every size class.
	CellSize = 10

	buttonBackground = "#007ACC"
	buttonTextColor  = "#ffffff"
)

// BuildControls returns count free buttons with IDs "0".."count-1" laid out
// left to right on the first grid row.
func BuildControls(count int, text func(i int) string) []interactive.Control {
	if count <= 0 {
		return nil
	}
	controls := make([]interactive.Control, 0, count)
	for i := range count {
		label := text(i)
		controls = append(controls, interactive.Control{
			ControlID:       strconv.Itoa(i),
			Kind:            "button",
			Text:            label,
			Tooltip:         label,
			Cost:            0,
			Progress:        0,
			BackgroundColor: buttonBackground,
			TextColor:       buttonTextColor,
			Position:        GridPlacement(i, 0, CellSize),
		})
	}
	return controls
}

// GridPlacement places a 3x1 cell control at grid cell (x, y). The large,
// medium and small size classes share the same geometry.
func GridPlacement(x, y, size int) []interactive.GridPlacement {
	sizes := [...]string{"large", "medium", "small"}
	out := make([]interactive.GridPlacement, 0, len(sizes))
	for _, class := range sizes {
		out = append(out, interactive.GridPlacement{
			Size:   class,
			Width:  size * 3,
			Height: size,
			X:      x * size,
			Y:      y * size,
		})
	}
	return out
}
