package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// decMode decodes nested CBOR maps (such as a Data payload) as
// map[string]interface{}, the same shape JSON decoding produces.
var decMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
}.DecMode()

func encodeCBOR(fields Fields) ([]byte, error) {
	return cbor.Marshal(map[string]interface{}(fields))
}

// tryDecodeCBOR attempts a CBOR map parse and reports success via its
// second return, so the caller can fall back to JSON for bytes that
// simply aren't CBOR without treating that as a decode error.
func tryDecodeCBOR(data []byte) (Fields, bool) {
	var raw map[string]interface{}
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	if raw == nil {
		return nil, false
	}
	return Fields(raw), true
}
