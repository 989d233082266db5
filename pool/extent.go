package pool

import "fmt"

// Extent is a run of free storage units. Position and Size are always expressed in level-0
// units; Level is the allocation map level the run is handed out at, so a level-L extent is
// consumed 2^L units at a time.
type Extent struct {
	Position int64
	Size     int64
	Level    int
}

// Limit returns the first level-0 unit past the end of the extent
func (e Extent) Limit() int64 {
	return e.Position + e.Size
}

// SizeAtLevel returns the number of level-sized units the extent holds
func (e Extent) SizeAtLevel() int64 {
	return e.Size >> e.Level
}

// AsLevel returns the same run of units, handed out at a different level
func (e Extent) AsLevel(level int) Extent {
	return Extent{Position: e.Position, Size: e.Size, Level: level}
}

// Take splits units level-sized units off the front of the extent and returns them. The
// receiver keeps the remainder.
func (e *Extent) Take(units int64) Extent {
	size := units << e.Level
	if size > e.Size {
		size = e.Size
	}

	taken := Extent{Position: e.Position, Size: size, Level: e.Level}
	e.Position += size
	e.Size -= size
	return taken
}

// Contains reports whether the level-0 unit at position belongs to the extent
func (e Extent) Contains(position int64) bool {
	return position >= e.Position && position < e.Limit()
}

// Overlaps reports whether the two extents share at least one level-0 unit
func (e Extent) Overlaps(other Extent) bool {
	return e.Position < other.Limit() && other.Position < e.Limit()
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d, %d, %d]", e.Position, e.Size, e.Level)
}
