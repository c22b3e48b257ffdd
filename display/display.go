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

// Package display turns a stored session into what the result page shows.
package display

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mealmate/frontend/result"
	"github.com/mealmate/frontend/session"
)

type State string

const (
	NoSession State = "no_session"
	Failed    State = "error"
	NoFood    State = "no_food"
	NoRecipe  State = "no_recipe"
	Ready     State = "ready"
)

const (
	noSessionNotice = "Your results have expired or were never created. Please upload a photo or enter your ingredients again."
	noFoodNotice    = "We couldn't find any food in this photo. Try another picture or enter your ingredients manually."
	noRecipeNotice  = "We found your ingredients but no recipe was generated. Try generating one now."
)

// View is a result page in one of five states. Result is nil only in the
// NoSession state.
type View struct {
	State  State          `json:"state"`
	Notice string         `json:"notice,omitempty"`
	Result *result.Upload `json:"result,omitempty"`
}

type Materializer struct {
	store session.Store
}

func NewMaterializer(store session.Store) *Materializer {
	return &Materializer{store: store}
}

// LoadForDisplay reads the session and classifies it. A missing or expired
// session is a NoSession view, not an error; only store faults are
// returned as errors.
func (m *Materializer) LoadForDisplay(ctx context.Context, sessionID string) (View, error) {
	if sessionID == "" {
		return View{State: NoSession, Notice: noSessionNotice}, nil
	}
	u, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return View{State: NoSession, Notice: noSessionNotice}, nil
	}
	if err != nil {
		return View{}, errors.Wrap(err, "failed to load session")
	}
	return Classify(u), nil
}

// Classify re-applies the result defaults and picks the view state.
func Classify(u result.Upload) View {
	u = result.Normalize(u)
	v := View{Result: &u}
	switch {
	case !u.Succeeded():
		v.State, v.Notice = Failed, u.Message
	case u.NoFoodDetected:
		v.State, v.Notice = NoFood, noFoodNotice
	case u.Recipe == nil:
		v.State, v.Notice = NoRecipe, noRecipeNotice
	default:
		v.State = Ready
	}
	return v
}
