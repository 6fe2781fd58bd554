// Package payload normalizes heterogeneous firewall configuration documents
// into a flat collection of opaque JSON items.
//
// Every document is first classified into a Shape; each consumer (the API
// response reader, the sample reader, the policy counter) then matches on
// the shapes it recognizes.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/tidwall/gjson"
)

// Items is a normalized configuration collection. Items are stored verbatim.
type Items []json.RawMessage

type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeArray
	ShapeObjectWithPolicies
	ShapeObjectWithPolicy
	ShapeObjectWithResults
	ShapeObjectWithData
	ShapeOtherObject
	ShapeScalar
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeObjectWithPolicies:
		return "object_with_policies"
	case ShapeObjectWithPolicy:
		return "object_with_policy"
	case ShapeObjectWithResults:
		return "object_with_results"
	case ShapeObjectWithData:
		return "object_with_data"
	case ShapeOtherObject:
		return "object"
	case ShapeScalar:
		return "scalar"
	default:
		return "invalid"
	}
}

var keyShapes = map[string]Shape{
	"policies": ShapeObjectWithPolicies,
	"policy":   ShapeObjectWithPolicy,
	"results":  ShapeObjectWithResults,
	"data":     ShapeObjectWithData,
}

// Classify reports the shape of doc, probing only the given object keys in
// order, and returns the value the shape refers to (the document itself or
// the matched key's value).
func Classify(doc []byte, keys ...string) (Shape, gjson.Result) {
	if !gjson.ValidBytes(doc) {
		return ShapeInvalid, gjson.Result{}
	}
	r := gjson.ParseBytes(doc)
	switch {
	case r.IsArray():
		return ShapeArray, r
	case r.IsObject():
		for _, k := range keys {
			if v := r.Get(k); v.Exists() {
				return keyShapes[k], v
			}
		}
		return ShapeOtherObject, r
	default:
		return ShapeScalar, r
	}
}

// FromAPIResponse extracts the policy collection from a management API body.
// The boolean is false when the body had no recognizable collection.
func FromAPIResponse(body []byte) (Items, Shape, bool) {
	shape, v := Classify(body, "results", "data")
	switch shape {
	case ShapeArray:
		return collect(v), shape, true
	case ShapeObjectWithResults, ShapeObjectWithData:
		return collect(v), shape, true
	case ShapeOtherObject:
		return Items{json.RawMessage(v.Raw)}, shape, true
	case ShapeScalar, ShapeInvalid:
		return Items{}, shape, false
	}
	return Items{}, shape, false
}

// FromSampleDocument extracts the policy collection from a staged sample file.
// Anything that is not a collection becomes a single-item collection, and a
// singular "policy" value is kept even when it is null. The length of the
// result is the document's policy count.
func FromSampleDocument(doc []byte) (Items, Shape, bool) {
	shape, v := Classify(doc, "policies", "policy")
	switch shape {
	case ShapeArray, ShapeObjectWithPolicies:
		return collect(v), shape, true
	case ShapeObjectWithPolicy:
		if v.IsArray() {
			return collect(v), shape, true
		}
		return Items{json.RawMessage(v.Raw)}, shape, true
	case ShapeOtherObject, ShapeScalar:
		return Items{json.RawMessage(v.Raw)}, shape, true
	}
	return Items{}, shape, false
}

// collect turns an array into its elements and wraps any other non-null value.
func collect(v gjson.Result) Items {
	if v.Type == gjson.Null {
		return Items{}
	}
	if !v.IsArray() {
		return Items{json.RawMessage(v.Raw)}
	}
	arr := v.Array()
	out := make(Items, 0, len(arr))
	for _, el := range arr {
		out = append(out, json.RawMessage(el.Raw))
	}
	return out
}

// Raw joins the items into one JSON array.
func (it Items) Raw() json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range it {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Document is the stored form: a single item unwrapped, otherwise the array.
func (it Items) Document() json.RawMessage {
	if len(it) == 1 {
		return it[0]
	}
	return it.Raw()
}

// Digest returns the sha256 of the RFC 8785 canonical form of the collection.
func (it Items) Digest() (string, error) {
	canonical, err := jcs.Transform(it.Raw())
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
