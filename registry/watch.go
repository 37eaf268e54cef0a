package registry

// Watch returns a channel of status changes and a function that stops the
// subscription. Slow subscribers miss changes rather than block the
// registry.
func (r *Registry) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	r.watchMu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.watchMu.Unlock()

	cancel := func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		if w, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(c *Change) {
	if c == nil {
		return
	}
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- *c:
		default:
		}
	}
}
