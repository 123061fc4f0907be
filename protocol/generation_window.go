package protocol

// GenerationWindow tracks the lower edge of a receive window inside a
// wrapping ID space and counts how often the edge wrapped around.
type GenerationWindow struct {
	base       int
	generation uint32
	mod        int
	window     int
}

// NewGenerationWindow creates a window over [0, mod). A window size of zero
// means half of the ID space.
func NewGenerationWindow(mod, window int) *GenerationWindow {
	if window <= 0 {
		window = mod / 2
	}
	return &GenerationWindow{mod: mod, window: window}
}

func (w *GenerationWindow) Base() int          { return w.base }
func (w *GenerationWindow) Generation() uint32 { return w.generation }
func (w *GenerationWindow) Size() int          { return w.window }

// distance returns how far id is ahead of the window base
func (w *GenerationWindow) distance(id int) int {
	return ((id-w.base)%w.mod + w.mod) % w.mod
}

// InWindow reports whether id lies in [base, base+window) modulo the ID space.
func (w *GenerationWindow) InWindow(id int) bool {
	return w.distance(id) < w.window
}

// Behind reports whether id is considered already passed by the window.
// IDs in the upper half of the distance space count as behind.
func (w *GenerationWindow) Behind(id int) bool {
	return w.distance(id) >= w.mod-w.mod/2
}

// GenerationOf returns the generation an id belongs to, relative to the window.
func (w *GenerationWindow) GenerationOf(id int) uint32 {
	if w.Behind(id) {
		if id > w.base && w.generation > 0 {
			return w.generation - 1
		}
		return w.generation
	}
	if id < w.base {
		return w.generation + 1
	}
	return w.generation
}

// Advance moves the base forward, bumping the generation on wrap.
func (w *GenerationWindow) Advance(n int) {
	if n <= 0 {
		return
	}
	next := w.base + n
	if next >= w.mod {
		w.generation += uint32(next / w.mod)
		next %= w.mod
	}
	w.base = next
}

// SetAndDrag moves the base just past id if id is inside the window.
func (w *GenerationWindow) SetAndDrag(id int) bool {
	if !w.InWindow(id) {
		return false
	}
	w.Advance(w.distance(id) + 1)
	return true
}

func (w *GenerationWindow) Reset() {
	w.base = 0
	w.generation = 0
}
