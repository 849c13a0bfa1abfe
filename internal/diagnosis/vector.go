package diagnosis

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Entry is one raw value of a probability vector as the inference service
// sent it. Numbers, numeric strings, and null all decode; anything that does
// not parse as a finite number is treated as 0 when read.
type Entry string

// UnmarshalJSON keeps the literal text of the value so malformed entries can
// degrade to 0 instead of failing the whole vector.
func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*e = ""
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*e = Entry(s)
	default:
		*e = Entry(trimmed)
	}
	return nil
}

// MarshalJSON emits the coerced numeric value.
func (e Entry) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(e.Float(), 'g', -1, 64)), nil
}

// Float returns the numeric value of the entry, or 0 when it is empty or
// not a finite decimal number.
func (e Entry) Float() float64 {
	v, _ := e.parse()
	return v
}

// Valid reports whether the entry holds a finite decimal number.
func (e Entry) Valid() bool {
	_, ok := e.parse()
	return ok
}

func (e Entry) parse() (float64, bool) {
	s := strings.TrimSpace(string(e))
	if s == "" || isHex(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// isHex catches hex-float literals such as "0x1p-1", which ParseFloat
// accepts but a probability never is.
func isHex(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// Vector is an ordered sequence of per-stage scores, index i for stage Fi.
// It is not required to sum to 1.
type Vector []Entry

// NewVector builds a Vector from plain numbers.
func NewVector(values ...float64) Vector {
	v := make(Vector, len(values))
	for i, f := range values {
		v[i] = Entry(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return v
}

// Floats returns the coerced values of the vector.
func (v Vector) Floats() []float64 {
	out := make([]float64, len(v))
	for i, e := range v {
		out[i] = e.Float()
	}
	return out
}
