package replica

// delta computation and application between tree snapshots.
// `Diff` and `Merge` are exact inverses:
// for any trees A and B, merging Diff(A, B) into a clone of A yields B.

// the leaf marker inside a removed tree. The old value is not carried.
var removedMarker = Bool(true)

// computes the sparse (added, removed) delta from `previous` to `current`.
// added holds the new value at every changed key, recursing so only the
// changed sub-tree is included. removed marks deleted keys with `true`,
// or a nested tree of markers for sub-key deletions.
// keys where nothing changed appear in neither result.
func Diff(previous Tree, current Tree) (added Tree, removed Tree) {
	added = Tree{}
	removed = Tree{}
	for key, previousValue := range previous {
		currentValue := current[key]
		if previousValue.IsTree() && currentValue.IsTree() {
			subAdded, subRemoved := Diff(previousValue.Tree(), currentValue.Tree())
			if 0 < len(subAdded) {
				added[key] = TreeValue(subAdded)
			}
			if 0 < len(subRemoved) {
				removed[key] = TreeValue(subRemoved)
			}
		} else if !currentValue.Equal(previousValue) {
			if currentValue.IsAbsent() {
				removed[key] = removedMarker
			} else {
				added[key] = currentValue.Clone()
			}
		}
	}
	for key, currentValue := range current {
		if _, ok := previous[key]; !ok {
			// no prior state to diff against. Take the whole value.
			added[key] = currentValue.Clone()
		}
	}
	return added, removed
}

// applies a delta to `target` in place. added is applied fully before
// removed, so a key present in a nested added tree (because a sibling
// changed) and flagged in the nested removed tree merges correctly.
// applying the same delta twice is a no-op.
func Merge(target Tree, added Tree, removed Tree) {
	for key, addedValue := range added {
		targetValue := target[key]
		if addedValue.IsTree() && targetValue.IsTree() {
			Merge(targetValue.Tree(), addedValue.Tree(), nil)
		} else {
			target[key] = addedValue.Clone()
		}
	}
	for key, removedValue := range removed {
		targetValue := target[key]
		if removedValue.IsTree() && targetValue.IsTree() {
			Merge(targetValue.Tree(), nil, removedValue.Tree())
		} else {
			delete(target, key)
		}
	}
}

// fills keys from `defaults` that are missing in `tree`, recursing into
// sub-trees present on both sides. Existing values are never overwritten.
func Reconcile(tree Tree, defaults Tree) {
	for key, defaultValue := range defaults {
		treeValue := tree[key]
		if treeValue.IsAbsent() {
			tree[key] = defaultValue.Clone()
		} else if treeValue.IsTree() && defaultValue.IsTree() {
			Reconcile(treeValue.Tree(), defaultValue.Tree())
		}
	}
}
