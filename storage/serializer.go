package storage

import (
	"encoding/json"
	"fmt"
)

// Serializer converts payload snapshots to and from the opaque string stored
// in PersistedGrant.Data. Payload types are flat value snapshots with no
// back-references, which keeps serialization cycle-safe by construction
// instead of patching cycles inside the serializer.
type Serializer interface {
	// Serialize renders the value as an opaque string
	Serialize(v any) (string, error)

	// Deserialize parses the opaque string into the value
	Deserialize(data string, v any) error
}

// JSONSerializer is the default Serializer
type JSONSerializer struct{}

// Serialize renders v as JSON
func (JSONSerializer) Serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize grant payload: %w", err)
	}
	return string(b), nil
}

// Deserialize parses JSON into v
func (JSONSerializer) Deserialize(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to deserialize grant payload: %w", err)
	}
	return nil
}

var _ Serializer = JSONSerializer{}
