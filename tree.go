package replica

import (
	"fmt"
	"strconv"
)

// a tree is a mutable nested document: string or integer keys mapping to
// scalars or nested trees. It mirrors a serializable document, so no cycles.

// comparable
type Key struct {
	str     string
	num     int64
	numeric bool
}

func StringKey(str string) Key {
	return Key{
		str: str,
	}
}

func IntKey(num int64) Key {
	return Key{
		num:     num,
		numeric: true,
	}
}

func (self Key) IsInt() bool {
	return self.numeric
}

func (self Key) Int() int64 {
	return self.num
}

func (self Key) Str() string {
	return self.str
}

func (self Key) String() string {
	if self.numeric {
		return strconv.FormatInt(self.num, 10)
	}
	return self.str
}

type ValueKind int

const (
	// the zero value is Absent, so a missing map lookup resolves correctly
	ValueKindAbsent ValueKind = 0
	ValueKindBool   ValueKind = 1
	ValueKindNumber ValueKind = 2
	ValueKindString ValueKind = 3
	ValueKindTree   ValueKind = 4
)

// tagged variant: Absent | Bool | Number | String | Tree
// Absent is a distinct result, not nil. Callers must be able to tell a
// stored `false` or `0` apart from "path not present".
type Value struct {
	kind        ValueKind
	boolValue   bool
	numberValue float64
	stringValue string
	treeValue   Tree
}

// the distinguished result of resolving a path that does not exist
var Absent = Value{}

func Bool(value bool) Value {
	return Value{
		kind:      ValueKindBool,
		boolValue: value,
	}
}

func Number(value float64) Value {
	return Value{
		kind:        ValueKindNumber,
		numberValue: value,
	}
}

func String(value string) Value {
	return Value{
		kind:        ValueKindString,
		stringValue: value,
	}
}

func TreeValue(tree Tree) Value {
	return Value{
		kind:      ValueKindTree,
		treeValue: tree,
	}
}

func (self Value) Kind() ValueKind {
	return self.kind
}

func (self Value) IsAbsent() bool {
	return self.kind == ValueKindAbsent
}

func (self Value) IsTree() bool {
	return self.kind == ValueKindTree
}

func (self Value) Bool() bool {
	return self.boolValue
}

func (self Value) Number() float64 {
	return self.numberValue
}

func (self Value) Text() string {
	return self.stringValue
}

func (self Value) Tree() Tree {
	return self.treeValue
}

func (self Value) Equal(other Value) bool {
	if self.kind != other.kind {
		return false
	}
	switch self.kind {
	case ValueKindAbsent:
		return true
	case ValueKindBool:
		return self.boolValue == other.boolValue
	case ValueKindNumber:
		return self.numberValue == other.numberValue
	case ValueKindString:
		return self.stringValue == other.stringValue
	case ValueKindTree:
		return self.treeValue.Equal(other.treeValue)
	}
	return false
}

func (self Value) Clone() Value {
	if self.kind == ValueKindTree {
		return TreeValue(self.treeValue.Clone())
	}
	return self
}

func (self Value) String() string {
	switch self.kind {
	case ValueKindAbsent:
		return "<absent>"
	case ValueKindBool:
		return strconv.FormatBool(self.boolValue)
	case ValueKindNumber:
		return strconv.FormatFloat(self.numberValue, 'g', -1, 64)
	case ValueKindString:
		return self.stringValue
	case ValueKindTree:
		return fmt.Sprintf("%v", map[Key]Value(self.treeValue))
	}
	return "<invalid>"
}

type Tree map[Key]Value

func NewTree() Tree {
	return Tree{}
}

func (self Tree) Clone() Tree {
	out := make(Tree, len(self))
	for key, value := range self {
		out[key] = value.Clone()
	}
	return out
}

func (self Tree) Equal(other Tree) bool {
	if len(self) != len(other) {
		return false
	}
	for key, value := range self {
		otherValue, ok := other[key]
		if !ok {
			return false
		}
		if !value.Equal(otherValue) {
			return false
		}
	}
	return true
}

// sets the value at `path`, creating intermediate trees as needed.
// a non-tree intermediate is replaced by a tree.
// setting Absent deletes the key.
func (self Tree) SetPath(path Path, value Value) {
	if len(path) == 0 {
		return
	}
	tree := self
	for _, key := range path[:len(path)-1] {
		next := tree[key]
		if !next.IsTree() {
			if value.IsAbsent() {
				// nothing to delete below a missing or scalar intermediate
				return
			}
			sub := Tree{}
			tree[key] = TreeValue(sub)
			tree = sub
		} else {
			tree = next.Tree()
		}
	}
	last := path[len(path)-1]
	if value.IsAbsent() {
		delete(tree, last)
	} else {
		tree[last] = value
	}
}

func (self Tree) DeletePath(path Path) {
	self.SetPath(path, Absent)
}
