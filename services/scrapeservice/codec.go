package scrapeservice

import (
	"encoding/json"
	"fmt"
)

// jsonCodec replaces connect's protojson codec so plain structs can be sent
// as messages.
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	err := json.Unmarshal(data, msg)
	if err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}
