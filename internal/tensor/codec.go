package tensor

import (
	"encoding/base64"
	"encoding/json"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// wireTensor is the JSON transport form
type wireTensor struct {
	DType DType   `json:"dtype"`
	Shape []int64 `json:"shape"`
	Data  string  `json:"data"`
}

// MarshalJSON emits the wire form with base64-encoded element bytes
func (t *Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTensor{
		DType: t.DType,
		Shape: t.Shape,
		Data:  base64.StdEncoding.EncodeToString(t.Data),
	})
}

// UnmarshalJSON parses the wire form, validating dtype, shape and length
func (t *Tensor) UnmarshalJSON(data []byte) error {
	var w wireTensor
	if err := json.Unmarshal(data, &w); err != nil {
		return derrors.Wrap(derrors.InvalidTensor, "malformed tensor", err)
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return derrors.Wrap(derrors.InvalidTensor, "tensor data is not valid base64", err)
	}
	parsed, err := New(w.DType, w.Shape, raw)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

// Decode interprets a decoded-JSON value (map with dtype/shape/data keys) as a
// tensor. Returns ok=false when the value does not have the wire shape at
// all; returns an error when it looks like a tensor but is invalid.
func Decode(v any) (*Tensor, bool, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 3 {
		return nil, false, nil
	}
	dtypeRaw, ok1 := m["dtype"].(string)
	dataRaw, ok2 := m["data"].(string)
	shapeRaw, ok3 := m["shape"].([]any)
	if !ok1 || !ok2 || !ok3 {
		return nil, false, nil
	}

	shape := make([]int64, len(shapeRaw))
	for i, dim := range shapeRaw {
		switch n := dim.(type) {
		case float64:
			shape[i] = int64(n)
		case int64:
			shape[i] = n
		case int:
			shape[i] = int64(n)
		default:
			return nil, false, nil
		}
	}

	raw, err := base64.StdEncoding.DecodeString(dataRaw)
	if err != nil {
		return nil, true, derrors.Wrap(derrors.InvalidTensor, "tensor data is not valid base64", err)
	}
	t, err := New(DType(dtypeRaw), shape, raw)
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}
