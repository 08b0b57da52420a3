package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedPayload is returned when a body is not a single JSON document.
var ErrMalformedPayload = errors.New("malformed payload")

const priceEventSchemaURL = "pricewatch://schemas/price_event.json"

// Prices are stored with two decimal places, so finer values are refused.
const priceEventSchema = `{
	"type": "object",
	"required": ["flight_id", "origin", "destination", "price", "observed_at"],
	"properties": {
		"flight_id":   {"type": "string", "minLength": 1, "pattern": "\\S"},
		"origin":      {"type": "string", "minLength": 1, "pattern": "\\S"},
		"destination": {"type": "string", "minLength": 1, "pattern": "\\S"},
		"price":       {"type": "number", "exclusiveMinimum": 0, "multipleOf": 0.01},
		"observed_at": {"type": "number", "minimum": 0}
	}
}`

// Error lists every schema violation found in a payload.
type Error struct {
	Violations []string
	cause      error
}

func (e *Error) Error() string {
	return "invalid price event: " + strings.Join(e.Violations, "; ")
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Validator checks price event bodies against the price event schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewPriceEventValidator compiles the price event schema.
func NewPriceEventValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(priceEventSchemaURL, strings.NewReader(priceEventSchema)); err != nil {
		return nil, fmt.Errorf("failed to add price event schema: %w", err)
	}
	sch, err := c.Compile(priceEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile price event schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// MustNewPriceEventValidator is like NewPriceEventValidator but panics on error.
func MustNewPriceEventValidator() *Validator {
	v, err := NewPriceEventValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns ErrMalformedPayload for bodies that are not JSON and an
// *Error for JSON that breaks the schema.
func (v *Validator) Validate(body []byte) error {
	doc, err := decode(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &Error{Violations: violations(ve), cause: err}
		}
		return &Error{Violations: []string{err.Error()}, cause: err}
	}
	return nil
}

func decode(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON document")
	}
	return doc, nil
}

// violations flattens the error tree into its leaves.
func violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
