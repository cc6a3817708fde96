package doc

// Merge folds patch into target and returns the result. target is mutated in
// place; a nil target is allocated.
//
// For each key of the patch: a Tombstone removes the key and its whole
// subtree, a scalar overwrites, a Map recurses (replacing a non-map target
// value with an empty map first). Keys absent from the patch are untouched.
// Values taken from the patch are cloned so the replica never aliases it.
func Merge(target, patch Map) Map {
	if target == nil {
		target = Map{}
	}
	for k, pv := range patch {
		switch v := pv.(type) {
		case Tombstone:
			delete(target, k)
		case Map:
			child, ok := target[k].(Map)
			if !ok || child == nil {
				child = Map{}
			}
			target[k] = Merge(child, v)
		case nil:
			// a nil interface carries no intent
		default:
			target[k] = v
		}
	}
	return target
}

// Builder assembles a patch by path.
type Builder struct {
	root Map
}

func Patch() *Builder {
	return &Builder{root: Map{}}
}

// Set places v at the given path, creating intermediate maps.
func (b *Builder) Set(v Value, path ...string) *Builder {
	if len(path) == 0 {
		return b
	}
	cur := b.root
	for _, k := range path[:len(path)-1] {
		next, ok := cur[k].(Map)
		if !ok {
			next = Map{}
			cur[k] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
	return b
}

// Delete places a Tombstone at the given path.
func (b *Builder) Delete(path ...string) *Builder {
	return b.Set(Tombstone{}, path...)
}

func (b *Builder) Map() Map {
	return b.root
}

func (b *Builder) Empty() bool {
	return len(b.root) == 0
}
