package conversations

import "sync"

// ClosingRegistry tracks conversations the user asked to close while the
// transport has not yet confirmed it.
type ClosingRegistry interface {
	SetClosing(uid string, closing bool)
	DeleteClosing(uid string)
}

type MemoryClosingRegistry struct {
	mu      sync.Mutex
	closing map[string]bool
}

var _ ClosingRegistry = &MemoryClosingRegistry{}

func NewMemoryClosingRegistry() *MemoryClosingRegistry {
	return &MemoryClosingRegistry{closing: map[string]bool{}}
}

func (r *MemoryClosingRegistry) SetClosing(uid string, closing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing[uid] = closing
}

func (r *MemoryClosingRegistry) DeleteClosing(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.closing, uid)
}

// IsClosing reports the recorded flag and whether one was recorded at all.
func (r *MemoryClosingRegistry) IsClosing(uid string) (closing bool, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	closing, known = r.closing[uid]
	return closing, known
}
