package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func currenciesTree(money float64) Tree {
	return Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(money),
		}),
	}
}

func TestDiffScalarChange(t *testing.T) {
	// Currencies.Money 10 -> 15 yields a single nested added entry
	previous := currenciesTree(10)
	current := currenciesTree(15)

	added, removed := Diff(previous, current)

	assert.Equal(t, true, added.Equal(currenciesTree(15)))
	assert.Equal(t, 0, len(removed))
}

func TestDiffRemoval(t *testing.T) {
	// deleting Currencies.Money marks the key with true, not the old value
	previous := currenciesTree(15)
	current := Tree{
		StringKey("Currencies"): TreeValue(Tree{}),
	}

	added, removed := Diff(previous, current)

	assert.Equal(t, 0, len(added))
	expected := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Bool(true),
		}),
	}
	assert.Equal(t, true, removed.Equal(expected))
}

func TestDiffNoChange(t *testing.T) {
	tree := Tree{
		StringKey("a"): Number(1),
		StringKey("b"): TreeValue(Tree{
			IntKey(1):      String("x"),
			StringKey("c"): Bool(false),
		}),
	}

	added, removed := Diff(tree, tree.Clone())

	assert.Equal(t, 0, len(added))
	assert.Equal(t, 0, len(removed))
}

func TestDiffNewKeyTakesWholeValue(t *testing.T) {
	previous := Tree{}
	current := Tree{
		StringKey("Inventory"): TreeValue(Tree{
			IntKey(1): String("sword"),
			IntKey(2): String("shield"),
		}),
	}

	added, removed := Diff(previous, current)

	assert.Equal(t, true, added.Equal(current))
	assert.Equal(t, 0, len(removed))
}

func TestDiffScalarToTree(t *testing.T) {
	previous := Tree{
		StringKey("a"): Number(1),
	}
	current := Tree{
		StringKey("a"): TreeValue(Tree{
			StringKey("b"): Number(2),
		}),
	}

	added, removed := Diff(previous, current)

	assert.Equal(t, true, added.Equal(current))
	assert.Equal(t, 0, len(removed))
}

func TestDiffTreeToScalar(t *testing.T) {
	previous := Tree{
		StringKey("a"): TreeValue(Tree{
			StringKey("b"): Number(2),
		}),
	}
	current := Tree{
		StringKey("a"): Number(1),
	}

	added, removed := Diff(previous, current)

	assert.Equal(t, true, added.Equal(current))
	assert.Equal(t, 0, len(removed))
}

func TestMergeRoundTrip(t *testing.T) {
	// Merge(clone(A), Diff(A, B)) == B across mixed shape transitions
	a := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(10),
			StringKey("Gems"):  Number(3),
		}),
		StringKey("Name"):  String("septimus"),
		StringKey("Admin"): Bool(false),
		IntKey(7):          String("seven"),
	}
	b := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(15),
		}),
		StringKey("Name"): String("septimus"),
		StringKey("Inventory"): TreeValue(Tree{
			IntKey(1): String("sword"),
		}),
		IntKey(7): TreeValue(Tree{
			StringKey("nested"): Bool(true),
		}),
	}

	added, removed := Diff(a, b)
	target := a.Clone()
	Merge(target, added, removed)

	assert.Equal(t, true, target.Equal(b))
}

func TestMergeIdempotent(t *testing.T) {
	a := currenciesTree(10)
	b := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Gems"): Number(2),
		}),
	}

	added, removed := Diff(a, b)
	target := a.Clone()
	Merge(target, added, removed)
	assert.Equal(t, true, target.Equal(b))

	// applying the same delta again changes nothing
	Merge(target, added, removed)
	assert.Equal(t, true, target.Equal(b))
}

func TestMergeAddedBeforeRemoved(t *testing.T) {
	// a sibling change and a removal at the same nested level apply cleanly
	previous := Tree{
		StringKey("a"): TreeValue(Tree{
			StringKey("keep"):   Number(1),
			StringKey("change"): Number(2),
			StringKey("drop"):   Number(3),
		}),
	}
	current := Tree{
		StringKey("a"): TreeValue(Tree{
			StringKey("keep"):   Number(1),
			StringKey("change"): Number(20),
		}),
	}

	added, removed := Diff(previous, current)
	target := previous.Clone()
	Merge(target, added, removed)

	assert.Equal(t, true, target.Equal(current))
}

func TestDiffDoesNotAliasCurrent(t *testing.T) {
	// the delta must be a snapshot, not a view of the live tree
	previous := Tree{}
	current := Tree{
		StringKey("a"): TreeValue(Tree{
			StringKey("b"): Number(1),
		}),
	}

	added, _ := Diff(previous, current)
	current[StringKey("a")].Tree()[StringKey("b")] = Number(99)

	resolved := Resolve(added, NewPath(StringKey("a"), StringKey("b")))
	assert.Equal(t, float64(1), resolved.Number())
}

func TestReconcile(t *testing.T) {
	tree := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(50),
		}),
	}
	defaults := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(10),
			StringKey("Gems"):  Number(0),
		}),
		StringKey("Name"): String("new player"),
	}

	Reconcile(tree, defaults)

	// existing value preserved, missing values filled
	assert.Equal(t, float64(50), Resolve(tree, ParsePath("Currencies.Money")).Number())
	assert.Equal(t, float64(0), Resolve(tree, ParsePath("Currencies.Gems")).Number())
	assert.Equal(t, "new player", Resolve(tree, ParsePath("Name")).Text())
}
