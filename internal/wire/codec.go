package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// message always produces identical bytes.
var encMode cbor.EncMode

// strictMode rejects unknown fields and duplicate map keys; it decodes
// client messages, where anything unexpected is a protocol violation.
var strictMode cbor.DecMode

// lenientMode decodes the type envelope and server messages, where
// unknown fields are tolerated for forward compatibility.
var lenientMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	// Result maps decode as map[string]any rather than CBOR's default
	// map[interface{}]interface{}.
	mapType := reflect.TypeOf(map[string]any(nil))

	strictMode, err = cbor.DecOptions{
		DefaultMapType:    mapType,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR strict decoder initialization failed: " + err.Error())
	}

	lenientMode, err = cbor.DecOptions{
		DefaultMapType: mapType,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a server message, ignoring unknown fields.
func Unmarshal(data []byte, v any) error {
	return lenientMode.Unmarshal(data, v)
}

// UnmarshalStrict decodes a client message; unknown fields and duplicate
// keys are errors.
func UnmarshalStrict(data []byte, v any) error {
	return strictMode.Unmarshal(data, v)
}
