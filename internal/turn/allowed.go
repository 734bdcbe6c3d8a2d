package turn

import (
	"sort"
	"sync"
)

// AlwaysAllowedSet holds tool names the user answered "always" for.
type AlwaysAllowedSet struct {
	mu    sync.RWMutex
	tools map[string]struct{}
}

func NewAlwaysAllowedSet() *AlwaysAllowedSet {
	return &AlwaysAllowedSet{tools: make(map[string]struct{})}
}

func (s *AlwaysAllowedSet) Add(toolName string) {
	s.mu.Lock()
	s.tools[toolName] = struct{}{}
	s.mu.Unlock()
}

func (s *AlwaysAllowedSet) Has(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[toolName]
	return ok
}

// List returns the tool names, sorted.
func (s *AlwaysAllowedSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
