// Package wire encodes replicated entities into the self-describing payload
// carried on the bus: a JSON array of model/pk/fields envelopes. The format
// lets a consumer reconstruct concrete instances with nothing beyond the
// entity registry.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
)

// Envelope is the wire form of one entity. Fields carries the full entity
// document, including id, session_id and data_expires_at.
type Envelope struct {
	Model  string          `json:"model"`
	PK     string          `json:"pk"`
	Fields json.RawMessage `json:"fields"`
}

// Encode serializes entities into one wire payload.
func Encode(entities []pii.Entity) ([]byte, error) {
	envs := make([]Envelope, 0, len(entities))
	for _, e := range entities {
		fields, err := json.Marshal(e)
		if err != nil {
			return nil, &internal.SerializationError{Err: fmt.Errorf("marshal %s/%s: %w", e.EntityType(), e.Key(), err)}
		}
		envs = append(envs, Envelope{Model: e.EntityType(), PK: e.Key(), Fields: fields})
	}
	payload, err := json.Marshal(envs)
	if err != nil {
		return nil, &internal.SerializationError{Err: err}
	}
	return payload, nil
}

// Decode reconstructs entity instances from a wire payload using the
// registry's factories. A payload that fails shape validation is rejected
// whole; no partial batch is returned.
func Decode(payload []byte, registry *pii.Registry) ([]pii.Entity, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &internal.SerializationError{Err: fmt.Errorf("payload is not valid JSON")}
	}
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsArray() {
		return nil, &internal.SerializationError{Err: fmt.Errorf("payload is not a JSON array")}
	}
	var shapeErr error
	parsed.ForEach(func(i, item gjson.Result) bool {
		if !item.Get("model").Exists() || !item.Get("fields").Exists() {
			shapeErr = fmt.Errorf("element %d is missing model or fields", int(i.Int()))
			return false
		}
		return true
	})
	if shapeErr != nil {
		return nil, &internal.SerializationError{Err: shapeErr}
	}

	var envs []Envelope
	if err := json.Unmarshal(payload, &envs); err != nil {
		return nil, &internal.SerializationError{Err: err}
	}
	entities := make([]pii.Entity, 0, len(envs))
	for _, env := range envs {
		inst, ok := registry.New(env.Model)
		if !ok {
			return nil, &internal.SerializationError{Err: fmt.Errorf("unknown model %q", env.Model)}
		}
		if err := json.Unmarshal(env.Fields, inst); err != nil {
			return nil, &internal.SerializationError{Err: fmt.Errorf("unmarshal %s/%s: %w", env.Model, env.PK, err)}
		}
		entities = append(entities, inst)
	}
	return entities, nil
}
