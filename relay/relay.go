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

// Package relay uploads raw images to a hosting service so the backend can
// fetch them by URL. A relay never fails: when hosting is unavailable it
// tells the caller to fall back to sending the raw bytes.
package relay

import (
	"context"
	"strings"
)

type Kind int

const (
	// Fallback means the caller must send the raw image itself.
	Fallback Kind = iota
	// Hosted means the image is reachable at Outcome.URL.
	Hosted
)

func (k Kind) String() string {
	if k == Hosted {
		return "hosted"
	}
	return "fallback"
}

// Outcome is the tagged result of a relay attempt.
type Outcome struct {
	Kind   Kind
	URL    string
	Reason string
}

func (o Outcome) IsHosted() bool {
	return o.Kind == Hosted && o.URL != ""
}

func hosted(url string) Outcome {
	return Outcome{Kind: Hosted, URL: url}
}

func fallback(reason string) Outcome {
	return Outcome{Kind: Fallback, Reason: reason}
}

// Relay uploads an image and reports where it ended up.
type Relay interface {
	Upload(ctx context.Context, image []byte, contentType string) Outcome
}

// Disabled never hosts anything.
type Disabled struct{}

func (Disabled) Upload(context.Context, []byte, string) Outcome {
	return fallback("image relay disabled")
}

// configured reports whether every value is set. Deployments that template
// env files sometimes leave the literal "undefined" behind.
func configured(values ...string) bool {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || v == "undefined" {
			return false
		}
	}
	return true
}

func checkInput(image []byte, contentType string) (string, bool) {
	if len(image) == 0 {
		return "empty image", false
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "content type " + contentType + " is not an image", false
	}
	return "", true
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	return ""
}
