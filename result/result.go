// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package result holds the canonical upload result shared by the backend
// gateway, the session store and the display layer, together with the one
// normalization routine all of them apply.
package result

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// UnknownLabel replaces a detection label the backend left out.
	UnknownLabel = "Unknown"

	DefaultFailureMessage = "Failed to process the image"
)

// Detection is a single item found in an uploaded image, or a typed
// ingredient on the manual path.
type Detection struct {
	Label       string     `json:"label"`
	Confidence  float64    `json:"confidence"`
	BoundingBox [4]float64 `json:"bbox"`
}

// Recipe is a generated recipe as returned by the backend.
type Recipe struct {
	Title              string   `json:"title"`
	Ingredients        []string `json:"ingredients"`
	Instructions       []string `json:"instructions"`
	ServingSuggestions string   `json:"serving_suggestions,omitempty"`
	NutritionalNotes   string   `json:"nutritional_notes,omitempty"`
}

// Upload is the canonical result of an image upload or a manual
// ingredient submission. Values produced by Normalize or Decode always
// carry a non-nil Detections slice and a Count.
type Upload struct {
	Status         string      `json:"status"`
	ImageURL       string      `json:"image_url,omitempty"`
	Detections     []Detection `json:"detections"`
	Count          int         `json:"count"`
	Recipe         *Recipe     `json:"recipe"`
	Message        string      `json:"message,omitempty"`
	NoFoodDetected bool        `json:"no_food_detected"`
	ManualEntry    bool        `json:"manual_entry"`
}

// Succeeded reports whether the backend produced a usable result.
func (u Upload) Succeeded() bool {
	return u.Status == StatusSuccess
}

// Failure builds a normalized error result.
func Failure(message string) Upload {
	return Normalize(Upload{Status: StatusError, Message: message})
}

// Normalize fills every default of the canonical shape. Any status other
// than "success", including a missing one, becomes "error". Normalize is
// idempotent.
func Normalize(u Upload) Upload {
	if u.Status != StatusSuccess {
		u.Status = StatusError
		if u.Message == "" {
			u.Message = DefaultFailureMessage
		}
	}

	detections := make([]Detection, 0, len(u.Detections))
	for _, d := range u.Detections {
		detections = append(detections, normalizeDetection(d))
	}
	u.Detections = detections

	if u.Count <= 0 {
		u.Count = len(u.Detections)
	}

	if u.Recipe != nil {
		r := normalizeRecipe(*u.Recipe)
		u.Recipe = &r
	}
	return u
}

func normalizeDetection(d Detection) Detection {
	if d.Label == "" {
		d.Label = UnknownLabel
	}
	if math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0) {
		d.Confidence = 0
	}
	for _, v := range d.BoundingBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			d.BoundingBox = [4]float64{}
			break
		}
	}
	return d
}

func normalizeRecipe(r Recipe) Recipe {
	if r.Ingredients == nil {
		r.Ingredients = []string{}
	}
	if r.Instructions == nil {
		r.Instructions = []string{}
	}
	return r
}

// wireUpload is the loosely typed shape the backend and browser clients
// send. Detections and recipe are kept raw so that a single bad item does
// not reject the whole body.
type wireUpload struct {
	Status         string            `json:"status"`
	ImageURL       string            `json:"image_url"`
	Detections     []json.RawMessage `json:"detections"`
	Count          float64           `json:"count"`
	Recipe         json.RawMessage   `json:"recipe"`
	Message        string            `json:"message"`
	NoFoodDetected bool              `json:"no_food_detected"`
	ManualEntry    bool              `json:"manual_entry"`
}

// Decode parses a backend response body or a stored session payload and
// returns it normalized. It fails only when data is not a JSON object of
// the expected shape.
func Decode(data []byte) (Upload, error) {
	var w wireUpload
	if err := json.Unmarshal(data, &w); err != nil {
		return Upload{}, errors.Wrap(err, "malformed result body")
	}

	u := Upload{
		Status:         w.Status,
		ImageURL:       w.ImageURL,
		Detections:     make([]Detection, 0, len(w.Detections)),
		Count:          int(w.Count),
		Recipe:         ExtractRecipe(w.Recipe),
		Message:        w.Message,
		NoFoodDetected: w.NoFoodDetected,
		ManualEntry:    w.ManualEntry,
	}
	for _, raw := range w.Detections {
		u.Detections = append(u.Detections, ParseDetection(raw))
	}
	return Normalize(u), nil
}

// ParseDetection revalidates one raw detection item: a missing label
// becomes "Unknown", a missing confidence 0, and a bounding box that is
// not exactly four numbers becomes [0,0,0,0].
func ParseDetection(raw json.RawMessage) Detection {
	d := Detection{Label: UnknownLabel}

	var w struct {
		Label      *string         `json:"label"`
		Confidence *float64        `json:"confidence"`
		BBox       json.RawMessage `json:"bbox"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return d
	}
	if w.Label != nil && *w.Label != "" {
		d.Label = *w.Label
	}
	if w.Confidence != nil {
		d.Confidence = *w.Confidence
	}
	var box []float64
	if err := json.Unmarshal(w.BBox, &box); err == nil && len(box) == len(d.BoundingBox) {
		copy(d.BoundingBox[:], box)
	}
	return normalizeDetection(d)
}

// ExtractRecipe returns the recipe carried by a raw "recipe" field. The
// backend sends it either directly or wrapped one level deeper as
// {"recipe": {...}}; a direct recipe object wins over a nested one.
func ExtractRecipe(raw json.RawMessage) *Recipe {
	fields, ok := objectFields(raw)
	if !ok {
		return nil
	}
	if looksLikeRecipe(fields) {
		return decodeRecipe(raw)
	}
	nested, ok := fields["recipe"]
	if !ok {
		return nil
	}
	if inner, ok := objectFields(nested); ok && looksLikeRecipe(inner) {
		return decodeRecipe(nested)
	}
	return nil
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func looksLikeRecipe(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"title", "ingredients", "instructions"} {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

// decodeRecipe reads each recipe field on its own, so a field of an
// unexpected shape is dropped instead of the whole recipe. Generated
// recipes sometimes list ingredients as objects or instructions as one
// block of text.
func decodeRecipe(raw json.RawMessage) *Recipe {
	fields, ok := objectFields(raw)
	if !ok {
		return nil
	}
	r := Recipe{
		Title:              text(fields["title"]),
		Ingredients:        list(fields["ingredients"]),
		Instructions:       list(fields["instructions"]),
		ServingSuggestions: joined(fields["serving_suggestions"]),
		NutritionalNotes:   joined(fields["nutritional_notes"]),
	}
	r = normalizeRecipe(r)
	return &r
}

// text returns a JSON string or number as text, and "" for anything else.
func text(raw json.RawMessage) string {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return scalar(v)
}

func scalar(v interface{}) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// list accepts an array of strings, numbers or small objects, or a single
// string with one item per line.
func list(raw json.RawMessage) []string {
	var v interface{}
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	var items []interface{}
	switch v := v.(type) {
	case []interface{}:
		items = v
	case string:
		for _, line := range strings.Split(v, "\n") {
			items = append(items, line)
		}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if obj, ok := item.(map[string]interface{}); ok {
			s = describe(obj)
		} else {
			s = scalar(item)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// describe flattens an item such as {"quantity": 2, "unit": "cups",
// "name": "rice"} or {"step": 1, "text": "Boil"} into one line.
func describe(obj map[string]interface{}) string {
	first := func(keys ...string) string {
		for _, k := range keys {
			if s := scalar(obj[k]); s != "" {
				return s
			}
		}
		return ""
	}
	name := first("name", "item", "ingredient", "text", "instruction", "description")
	if name == "" {
		return ""
	}
	var out []string
	for _, p := range []string{first("quantity", "amount"), first("unit"), name} {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// joined returns a string field as is and a list of strings joined into
// one sentence list.
func joined(raw json.RawMessage) string {
	if s := text(raw); s != "" {
		return s
	}
	return strings.Join(list(raw), "; ")
}
