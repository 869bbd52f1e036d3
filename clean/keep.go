package clean

// Keep is a set of names to protect from cleaning.
type Keep map[string]struct{}

// NewKeep produces a Keep holding names.
func NewKeep(names ...string) Keep {
	k := make(Keep, len(names))
	for _, name := range names {
		k.Add(name)
	}
	return k
}

// Add adds a name to the Keep.
// It returns true if it was newly added and false if it was already present.
func (k Keep) Add(name string) bool {
	if _, ok := k[name]; ok {
		return false
	}
	k[name] = struct{}{}
	return true
}

// Contains tells whether a name is in the Keep.
func (k Keep) Contains(name string) bool {
	_, ok := k[name]
	return ok
}

// AddAll adds every key of m whose value is true.
func (k Keep) AddAll(m map[string]bool) {
	for name, ok := range m {
		if ok {
			k.Add(name)
		}
	}
}
