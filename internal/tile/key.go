package tile

import "fmt"

// Key identifies one tile in the grid. Z is the level of detail.
type Key struct {
	X int
	Y int
	Z int
}

func NewKey(x, y, z int) Key {
	return Key{X: x, Y: y, Z: z}
}

func (k Key) String() string {
	return fmt.Sprintf("Tile(%d,%d,z%d)", k.X, k.Y, k.Z)
}

// Path renders the key as z/x/y, the layout used by file, object and HTTP sources.
func (k Key) Path() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// MaxLOD is the deepest level of detail any source may serve.
const MaxLOD = 28

// FullRange covers every level of detail a source may serve.
var FullRange = LODRange{Min: 0, Max: MaxLOD}

// LODRange is an inclusive level-of-detail window.
type LODRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r LODRange) Contains(z int) bool {
	return z >= r.Min && z <= r.Max
}

func (r LODRange) Empty() bool {
	return r.Min > r.Max
}

// Intersect returns the overlap of two windows. The result may be empty.
func (r LODRange) Intersect(o LODRange) LODRange {
	return LODRange{Min: max(r.Min, o.Min), Max: min(r.Max, o.Max)}
}

func (r LODRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}
