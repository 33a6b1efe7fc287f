package llm

import "sync"

// Rotator hands out API keys round-robin.
type Rotator struct {
	mu   sync.Mutex
	keys []string
	next int
}

func NewRotator(keys []string) *Rotator {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return &Rotator{keys: out}
}

// Next returns the next key, or "" when none is configured.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	key := r.keys[r.next%len(r.keys)]
	r.next++
	return key
}

func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
