package codec

import "encoding/json"

func encodeJSON(fields Fields) ([]byte, error) {
	return json.Marshal(map[string]interface{}(fields))
}

func decodeJSON(data []byte) (Fields, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNonMapRoot
	}
	return Fields(raw), nil
}
