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

package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// DefaultMaxUploadBytes is the largest image accepted from a browser.
const DefaultMaxUploadBytes int64 = 10 << 20

const recipeTypes = "breakfast lunch dinner dessert snack vegetarian vegan"

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(imageSizeLimit, ImagePayload{})
}

type Payload interface {
	Validate() error
}

// ImagePayload describes an uploaded photo before it leaves the frontend.
type ImagePayload struct {
	Size        int64  `validate:"gt=0"`
	MaxBytes    int64  `validate:"-"`
	ContentType string `validate:"required,oneof=image/jpeg image/png image/webp"`
	RecipeType  string `validate:"omitempty,oneof=breakfast lunch dinner dessert snack vegetarian vegan"`
}

// IngredientsPayload is a manually typed ingredient list.
type IngredientsPayload struct {
	Ingredients []string `validate:"required,min=1,max=50,dive,required,max=100"`
	RecipeType  string   `validate:"omitempty,oneof=breakfast lunch dinner dessert snack vegetarian vegan"`
}

// RecipeTypePayload carries only the optional recipe type.
type RecipeTypePayload struct {
	RecipeType string `validate:"omitempty,oneof=breakfast lunch dinner dessert snack vegetarian vegan"`
}

func (p *ImagePayload) Validate() error {
	return validate.Struct(p)
}

func (p *IngredientsPayload) Validate() error {
	return validate.Struct(p)
}

func (p *RecipeTypePayload) Validate() error {
	return validate.Struct(p)
}

func imageSizeLimit(sl validator.StructLevel) {
	p := sl.Current().Interface().(ImagePayload)
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	if p.Size > limit {
		sl.ReportError(p.Size, "Size", "Size", "maxbytes", strconv.FormatInt(limit, 10))
	}
}

// CleanIngredients trims every entry and drops the blank ones.
func CleanIngredients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ing := range in {
		if ing = strings.TrimSpace(ing); ing != "" {
			out = append(out, ing)
		}
	}
	return out
}

// ImageContentType sniffs data and returns its MIME type when it is a
// JPEG, PNG or WebP image, or "" otherwise.
func ImageContentType(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return "image/" + format
}

// ValidationErrorResponse turns validator errors into a message that can
// be shown to the user as is.
func ValidationErrorResponse(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.New("invalid validation error format")
	}
	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch {
	case field == "Size" && fe.Tag() == "maxbytes":
		limit, _ := strconv.ParseInt(fe.Param(), 10, 64)
		return fmt.Sprintf("File too large. Maximum size is %s.", formatBytes(limit))
	case field == "Size":
		return "No file provided"
	case field == "ContentType":
		return "Unsupported file type. Please upload a JPG, PNG or WebP image."
	case field == "RecipeType":
		return fmt.Sprintf("Unknown recipe type %q. Choose one of: %s", fe.Value(), recipeTypes)
	case field == "Ingredients" && fe.Tag() == "max":
		return "Please enter at most " + fe.Param() + " ingredients"
	case field == "Ingredients":
		return "Please enter at least one ingredient"
	case strings.HasPrefix(field, "Ingredients[") && fe.Tag() == "max":
		return "Ingredient names must be at most " + fe.Param() + " characters"
	case strings.HasPrefix(field, "Ingredients["):
		return "Ingredient names cannot be empty"
	}
	return fmt.Sprintf("Field '%s' is invalid: %s", field, fe.Tag())
}

func formatBytes(n int64) string {
	if n > 0 && n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
