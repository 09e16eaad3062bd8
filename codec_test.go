package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMsgpackCodecRoundTrip(t *testing.T) {
	codec := NewMsgpackCodec()

	tree := Tree{
		StringKey("Currencies"): TreeValue(Tree{
			StringKey("Money"): Number(15),
			StringKey("Gems"):  Number(0),
		}),
		StringKey("Name"):  String("septimus"),
		StringKey("Admin"): Bool(false),
		StringKey("Inventory"): TreeValue(Tree{
			IntKey(1): String("sword"),
			IntKey(2): TreeValue(Tree{
				StringKey("Kind"):  String("shield"),
				StringKey("Count"): Number(3),
			}),
		}),
		IntKey(-9): Bool(true),
	}

	encoded, err := codec.Encode(tree)
	assert.Equal(t, nil, err)

	decoded, err := codec.Decode(encoded)
	assert.Equal(t, nil, err)

	// scalar kinds and key types survive exactly
	assert.Equal(t, true, decoded.Equal(tree))
	assert.Equal(t, false, Resolve(decoded, ParsePath("Admin")).IsAbsent())
	assert.Equal(t, "sword", Resolve(decoded, ParsePath("Inventory.1")).Text())
}

func TestMsgpackCodecEmptyTree(t *testing.T) {
	codec := NewMsgpackCodec()

	encoded, err := codec.Encode(Tree{})
	assert.Equal(t, nil, err)

	decoded, err := codec.Decode(encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(decoded))
}

func TestMsgpackCodecRejectsNonTree(t *testing.T) {
	codec := NewMsgpackCodec()

	_, err := codec.Decode([]byte{0xc3})
	assert.NotEqual(t, nil, err)
}

func TestParseTemplate(t *testing.T) {
	templateJson := []byte(`{
		"Currencies": {"Money": 10, "Gems": 0},
		"Name": "new player",
		"Inventory": ["sword", "shield"]
	}`)

	template, err := ParseTemplate(templateJson)
	assert.Equal(t, nil, err)

	assert.Equal(t, float64(10), Resolve(template, ParsePath("Currencies.Money")).Number())
	assert.Equal(t, "new player", Resolve(template, ParsePath("Name")).Text())
	// json lists become integer keyed trees, 1-based
	assert.Equal(t, "sword", Resolve(template, ParsePath("Inventory.1")).Text())
	assert.Equal(t, "shield", Resolve(template, ParsePath("Inventory.2")).Text())
}

func TestTreeStructRoundTrip(t *testing.T) {
	tree := Tree{
		StringKey("a"): Number(1),
		StringKey("b"): TreeValue(Tree{
			StringKey("c"): Bool(true),
		}),
	}

	s, err := TreeToStruct(tree)
	assert.Equal(t, nil, err)

	back := TreeFromStruct(s)
	assert.Equal(t, true, back.Equal(tree))
}
