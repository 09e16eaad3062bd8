package replica

import (
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// json-facing tree conversion via structpb, used for default-data templates
// and display. Integer keys are stringified on the way out, so this
// conversion is lossy for integer-keyed trees; the wire codec is not.

func TreeToStruct(tree Tree) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(tree))
	for key, value := range tree {
		structValue, err := valueToStructValue(value)
		if err != nil {
			return nil, err
		}
		fields[key.String()] = structValue
	}
	return &structpb.Struct{
		Fields: fields,
	}, nil
}

func valueToStructValue(value Value) (*structpb.Value, error) {
	switch value.Kind() {
	case ValueKindBool:
		return structpb.NewBoolValue(value.Bool()), nil
	case ValueKindNumber:
		return structpb.NewNumberValue(value.Number()), nil
	case ValueKindString:
		return structpb.NewStringValue(value.Text()), nil
	case ValueKindTree:
		s, err := TreeToStruct(value.Tree())
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	return structpb.NewNullValue(), nil
}

func TreeFromStruct(s *structpb.Struct) Tree {
	tree := make(Tree, len(s.GetFields()))
	for name, structValue := range s.GetFields() {
		value := valueFromStructValue(structValue)
		if value.IsAbsent() {
			// json null has no tree representation
			continue
		}
		if num, err := strconv.ParseInt(name, 10, 64); err == nil {
			tree[IntKey(num)] = value
		} else {
			tree[StringKey(name)] = value
		}
	}
	return tree
}

func valueFromStructValue(structValue *structpb.Value) Value {
	switch v := structValue.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return Bool(v.BoolValue)
	case *structpb.Value_NumberValue:
		return Number(v.NumberValue)
	case *structpb.Value_StringValue:
		return String(v.StringValue)
	case *structpb.Value_StructValue:
		return TreeValue(TreeFromStruct(v.StructValue))
	case *structpb.Value_ListValue:
		// lists become integer-keyed trees, 1-based
		tree := Tree{}
		for i, item := range v.ListValue.GetValues() {
			itemValue := valueFromStructValue(item)
			if itemValue.IsAbsent() {
				continue
			}
			tree[IntKey(int64(i+1))] = itemValue
		}
		return TreeValue(tree)
	}
	return Absent
}

// parses a json document into a default-data template tree
func ParseTemplate(templateJson []byte) (Tree, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(templateJson, s); err != nil {
		return nil, err
	}
	return TreeFromStruct(s), nil
}

func FormatTree(tree Tree) string {
	s, err := TreeToStruct(tree)
	if err != nil {
		return "{}"
	}
	return protojson.MarshalOptions{
		Multiline: true,
		Indent:    "  ",
	}.Format(s)
}
