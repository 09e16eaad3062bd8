package replica

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// converts a tree to and from its wire bytes. Encode and Decode are exact
// inverses: scalar kinds and string/integer key types survive the round trip.
type TreeCodec interface {
	Encode(tree Tree) ([]byte, error)
	Decode(encoded []byte) (Tree, error)
}

// msgpack wire codec. msgpack maps carry integer keys natively, which json
// style encodings cannot represent without mangling.
type MsgpackCodec struct {
}

func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

func (self *MsgpackCodec) Encode(tree Tree) ([]byte, error) {
	return msgpack.Marshal(treeToNative(tree))
}

func (self *MsgpackCodec) Decode(encoded []byte) (Tree, error) {
	decoder := msgpack.NewDecoder(bytes.NewReader(encoded))
	decoder.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	raw, err := decoder.DecodeInterface()
	if err != nil {
		return nil, err
	}
	value, err := nativeToValue(raw)
	if err != nil {
		return nil, err
	}
	if !value.IsTree() {
		return nil, fmt.Errorf("encoded value is not a tree: %v", value.Kind())
	}
	return value.Tree(), nil
}

func treeToNative(tree Tree) map[any]any {
	out := make(map[any]any, len(tree))
	for key, value := range tree {
		var nativeKey any
		if key.IsInt() {
			nativeKey = key.Int()
		} else {
			nativeKey = key.Str()
		}
		out[nativeKey] = valueToNative(value)
	}
	return out
}

func valueToNative(value Value) any {
	switch value.Kind() {
	case ValueKindBool:
		return value.Bool()
	case ValueKindNumber:
		return value.Number()
	case ValueKindString:
		return value.Text()
	case ValueKindTree:
		return treeToNative(value.Tree())
	}
	return nil
}

func nativeToValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int8:
		return Number(float64(v)), nil
	case int16:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint:
		return Number(float64(v)), nil
	case uint8:
		return Number(float64(v)), nil
	case uint16:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case string:
		return String(v), nil
	case map[any]any:
		tree := make(Tree, len(v))
		for rawKey, rawValue := range v {
			key, err := nativeToKey(rawKey)
			if err != nil {
				return Absent, err
			}
			value, err := nativeToValue(rawValue)
			if err != nil {
				return Absent, err
			}
			if value.IsAbsent() {
				// nil payloads have no tree representation. Skip the key.
				continue
			}
			tree[key] = value
		}
		return TreeValue(tree), nil
	case nil:
		return Absent, nil
	}
	return Absent, fmt.Errorf("unsupported wire type: %T", raw)
}

func nativeToKey(raw any) (Key, error) {
	switch k := raw.(type) {
	case string:
		return StringKey(k), nil
	case int:
		return IntKey(int64(k)), nil
	case int8:
		return IntKey(int64(k)), nil
	case int16:
		return IntKey(int64(k)), nil
	case int32:
		return IntKey(int64(k)), nil
	case int64:
		return IntKey(k), nil
	case uint:
		return IntKey(int64(k)), nil
	case uint8:
		return IntKey(int64(k)), nil
	case uint16:
		return IntKey(int64(k)), nil
	case uint32:
		return IntKey(int64(k)), nil
	case uint64:
		return IntKey(int64(k)), nil
	}
	return Key{}, fmt.Errorf("unsupported wire key type: %T", raw)
}
