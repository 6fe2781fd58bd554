package payload

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"fw-ingest/internal/types"
)

const (
	maxSamplePolicies = 5
	notAvailable      = "N/A"
)

// Summarize builds the display summary of a collection. Items that are not
// JSON objects carry no addressable policy fields and are skipped.
func Summarize(items Items) *types.Summary {
	s := &types.Summary{
		TotalPolicies:  len(items),
		SamplePolicies: []types.PolicySample{},
	}
	for _, item := range items {
		if len(s.SamplePolicies) == maxSamplePolicies {
			break
		}
		r := gjson.ParseBytes(item)
		if !r.IsObject() {
			continue
		}
		s.SamplePolicies = append(s.SamplePolicies, samplePolicy(r))
	}
	return s
}

func samplePolicy(r gjson.Result) types.PolicySample {
	p := types.PolicySample{
		Name:                 "Unnamed",
		PolicyID:             notAvailable,
		SourceInterface:      formatInterfaces(r.Get("srcintf")),
		DestinationInterface: formatInterfaces(r.Get("dstintf")),
		Action:               notAvailable,
	}
	if v := r.Get("name"); v.Exists() {
		p.Name = v.String()
	}
	if v := r.Get("policyid"); v.Exists() {
		p.PolicyID = json.RawMessage(v.Raw)
	}
	if v := r.Get("action"); v.Exists() {
		p.Action = v.String()
	}
	return p
}

// formatInterfaces renders an interface field, which may be a list of
// {"name": ...} objects or scalars, a single object, or a scalar.
func formatInterfaces(v gjson.Result) string {
	switch {
	case !v.Exists():
		return notAvailable
	case v.IsArray():
		var names []string
		for _, el := range v.Array() {
			if el.IsObject() {
				if n := el.Get("name"); n.Exists() {
					names = append(names, n.String())
					continue
				}
				names = append(names, el.Raw)
				continue
			}
			names = append(names, el.String())
		}
		if len(names) == 0 {
			return notAvailable
		}
		return strings.Join(names, ", ")
	case v.IsObject():
		if n := v.Get("name"); n.Exists() {
			return n.String()
		}
		return notAvailable
	case isFalsy(v):
		return notAvailable
	default:
		return v.String()
	}
}

func isFalsy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return v.Str == ""
	case gjson.Number:
		return v.Num == 0
	}
	return false
}
