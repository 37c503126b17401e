package statechain

// Tamper applies fn to the stored entity in place, bypassing Seal.
func (s *MemoryStore) Tamper(kind Kind, id int64, fn func(Entity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[kind][id]; ok {
		fn(e)
	}
}
