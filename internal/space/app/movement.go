package app

import (
	"math"

	"virtual_space_service/internal/space/domain"
)

// ValidateMove accepts exactly one orthogonal grid step.
// Diagonal, multi-step and no-op moves are rejected.
func ValidateMove(from, to domain.Position) bool {
	dx := abs(to.X - from.X)
	dy := abs(to.Y - from.Y)
	return (dx == 1 && dy == 0) || (dx == 0 && dy == 1)
}

// GridDistance Manhattan distance in grid steps, used for call activation.
func GridDistance(a, b domain.Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

// PixelDistance Euclidean distance in pixels, used for proximity awareness.
func PixelDistance(a, b domain.Position, tileSize int) float64 {
	dx := float64((a.X - b.X) * tileSize)
	dy := float64((a.Y - b.Y) * tileSize)
	return math.Hypot(dx, dy)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
