package registry

import "encoding/json"

// Optional distinguishes an absent JSON field from an explicit null from a
// value, so updates can clear nullable columns without a sentinel.
type Optional[T any] struct {
	Set   bool // field was present in the payload
	Null  bool // field was present and explicitly null
	Value T
}

// Some wraps a concrete value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Null is an explicit null: present, no value.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}
