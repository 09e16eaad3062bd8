package replica

import (
	"strconv"
	"strings"
)

// ordered key sequence identifying a location within a tree
type Path []Key

func NewPath(keys ...Key) Path {
	return Path(keys)
}

// parses a dotted path, e.g. "Currencies.Money" or "Inventory.3.Name".
// segments that parse as integers become integer keys.
func ParsePath(str string) Path {
	if str == "" {
		return Path{}
	}
	segments := strings.Split(str, ".")
	path := make(Path, 0, len(segments))
	for _, segment := range segments {
		if num, err := strconv.ParseInt(segment, 10, 64); err == nil {
			path = append(path, IntKey(num))
		} else {
			path = append(path, StringKey(segment))
		}
	}
	return path
}

func (self Path) String() string {
	parts := make([]string, 0, len(self))
	for _, key := range self {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, ".")
}

// walks `path` one key at a time from `root`.
// returns Absent as soon as a lookup misses or a non-tree value is reached
// before the path is exhausted. Never panics.
func Resolve(root Tree, path Path) Value {
	value := TreeValue(root)
	for _, key := range path {
		if !value.IsTree() {
			return Absent
		}
		value = value.Tree()[key]
	}
	return value
}
