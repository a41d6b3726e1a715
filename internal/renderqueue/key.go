// Package renderqueue serves individual on-demand tile requests with
// at-most-one concurrent render per tile key, bounded parallelism, and an
// observable retry-after hint (spec.md §4.2).
package renderqueue

import "fmt"

// Key identifies one on-demand tile render: <project>|<name>|z|x|y per
// spec.md §3's RenderTask key, with mode folded in so a layer and theme of
// the same name never collide.
type Key struct {
	Project string
	Mode    string // "layer" | "theme" | "wms"
	Name    string
	Z, X, Y int
}

// String is the singleflight group key and the worker job ID.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%d", k.Project, k.Mode, k.Name, k.Z, k.X, k.Y)
}
