// Package payload encodes event arguments into the byte form handed to a
// transport and decodes that form back into typed values for listeners.
//
// The wire form is a JSON array with one element per argument. Declared
// parameter kinds drive both directions; arguments past the declared list
// are encoded by their dynamic type.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/dshills/tracecore/internal/trace/schema"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxArgs is the largest number of arguments one event may carry.
const MaxArgs = 128

var (
	// ErrNullInput is returned when an argument is nil.
	ErrNullInput = errors.New("payload argument is nil")

	// ErrTooManyArgs is returned when an event carries more than MaxArgs arguments.
	ErrTooManyArgs = errors.New("too many payload arguments")

	// ErrKindMismatch is returned when an argument does not fit its declared kind.
	ErrKindMismatch = errors.New("payload argument does not match declared kind")

	// ErrMalformed is returned when encoded data cannot be decoded.
	ErrMalformed = errors.New("malformed payload")
)

// KindOf returns the wire kind for a Go value, or KindUnknown.
func KindOf(v any) schema.Kind {
	switch v.(type) {
	case string:
		return schema.KindString
	case bool:
		return schema.KindBool
	case int8, int16, int32:
		return schema.KindInt32
	case int, int64:
		return schema.KindInt64
	case uint8, uint16, uint32:
		return schema.KindUint32
	case uint, uint64:
		return schema.KindUint64
	case float32, float64:
		return schema.KindFloat64
	case uuid.UUID:
		return schema.KindGUID
	case []byte:
		return schema.KindBytes
	}
	return schema.KindUnknown
}

// Encode serializes args against params.
func Encode(params []schema.Param, args []any) ([]byte, error) {
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), MaxArgs)
	}

	doc := []byte(`{"args":[]}`)
	for i, arg := range args {
		if arg == nil {
			return nil, fmt.Errorf("%w: argument %d", ErrNullInput, i)
		}
		kind := KindOf(arg)
		if i < len(params) && params[i].Kind != schema.KindUnknown {
			kind = params[i].Kind
		}
		v, err := normalize(kind, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if doc, err = sjson.SetBytes(doc, "args.-1", v); err != nil {
			return nil, err
		}
	}
	return []byte(gjson.GetBytes(doc, "args").Raw), nil
}

// normalize converts arg into the JSON-ready value for kind.
func normalize(kind schema.Kind, arg any) (any, error) {
	switch kind {
	case schema.KindString:
		if s, ok := arg.(string); ok {
			return s, nil
		}
	case schema.KindBool:
		if b, ok := arg.(bool); ok {
			return b, nil
		}
	case schema.KindInt32:
		if n, ok := asInt64(arg); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return n, nil
		}
	case schema.KindInt64:
		if n, ok := asInt64(arg); ok {
			return n, nil
		}
	case schema.KindUint32:
		if n, ok := asUint64(arg); ok && n <= math.MaxUint32 {
			return n, nil
		}
	case schema.KindUint64:
		if n, ok := asUint64(arg); ok {
			return n, nil
		}
	case schema.KindFloat64:
		var f float64
		switch x := arg.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		default:
			return nil, fmt.Errorf("%w: %T as %s", ErrKindMismatch, arg, kind)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrKindMismatch)
		}
		return f, nil
	case schema.KindGUID:
		if g, ok := arg.(uuid.UUID); ok {
			return g.String(), nil
		}
	case schema.KindBytes:
		if b, ok := arg.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b), nil
		}
	}
	return nil, fmt.Errorf("%w: %T as %s", ErrKindMismatch, arg, kind)
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	if n, ok := asInt64(v); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

// Decode parses data into typed values. Declared params select the Go type;
// extra elements decode to string, bool, float64 or nil by JSON type.
func Decode(params []schema.Param, data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: not an array", ErrMalformed)
	}

	elems := root.Array()
	if len(elems) > MaxArgs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(elems), MaxArgs)
	}
	out := make([]any, len(elems))
	for i, r := range elems {
		kind := schema.KindUnknown
		if i < len(params) {
			kind = params[i].Kind
		}
		v, err := decodeValue(kind, r)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func decodeValue(kind schema.Kind, r gjson.Result) (any, error) {
	switch kind {
	case schema.KindString:
		return r.String(), nil
	case schema.KindBool:
		return r.Bool(), nil
	case schema.KindInt32:
		return int32(r.Int()), nil
	case schema.KindInt64:
		return r.Int(), nil
	case schema.KindUint32:
		return uint32(r.Uint()), nil
	case schema.KindUint64:
		return r.Uint(), nil
	case schema.KindFloat64:
		return r.Float(), nil
	case schema.KindGUID:
		g, err := uuid.Parse(r.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return g, nil
	case schema.KindBytes:
		b, err := base64.StdEncoding.DecodeString(r.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return b, nil
	}

	switch r.Type {
	case gjson.String:
		return r.String(), nil
	case gjson.True, gjson.False:
		return r.Bool(), nil
	case gjson.Number:
		return r.Float(), nil
	case gjson.Null:
		return nil, nil
	}
	return r.Raw, nil
}
