package inbox

import "sync/atomic"

// Selection is the Unselected | Selected(id) cell. Writes happen on the
// Console loop; reads are safe from any goroutine, so long-lived handlers
// always see the current value instead of one captured earlier.
type Selection struct {
	current atomic.Pointer[string]
}

// Current returns the selected conversation id, or "" when unselected.
func (s *Selection) Current() string {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return ""
}

// IsSelected reports whether id is the selected conversation.
func (s *Selection) IsSelected(id string) bool {
	return id != "" && s.Current() == id
}

func (s *Selection) set(id string) (previous string) {
	previous = s.Current()
	if id == "" {
		s.current.Store(nil)
		return previous
	}
	s.current.Store(&id)
	return previous
}
