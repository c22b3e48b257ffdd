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

// Package gateway talks to the detection and recipe backend. Every
// operation that produces an upload result returns a normalized
// result.Upload and never an error: failures become {status: "error"}.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mealmate/frontend/relay"
	"github.com/mealmate/frontend/result"
)

const (
	processImagePath   = "/api/process-image"
	uploadPath         = "/api/upload"
	manualPath         = "/api/manual-ingredients"
	generateRecipePath = "/api/generate-recipe"
	statusPath         = "/api/status"

	DefaultTimeout = 60 * time.Second

	manualFailureMessage = "Failed to generate recipe"
)

// Options tune recipe generation for a submission.
type Options struct {
	RecipeType     string
	GenerateRecipe bool
}

// File is an uploaded image held in memory.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Gateway struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	relay   relay.Relay
	log     logrus.FieldLogger
}

// New returns a gateway for the backend at baseURL. Each outbound call is
// bounded by timeout (DefaultTimeout when zero).
func New(baseURL string, timeout time.Duration, client *http.Client, r relay.Relay, log logrus.FieldLogger) (*Gateway, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid backend url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("backend url %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	if r == nil {
		r = relay.Disabled{}
	}
	return &Gateway{baseURL: u, client: client, timeout: timeout, relay: r, log: log}, nil
}

// SubmitImage runs detection (and optionally recipe generation) for an
// image. The image is first offered to the relay; when it is hosted the
// backend fetches it by URL, otherwise, or when that call fails, the raw
// bytes are uploaded to the backend directly.
func (g *Gateway) SubmitImage(ctx context.Context, file File, opts Options) result.Upload {
	if len(file.Data) == 0 {
		return result.Failure("No file provided")
	}
	log := g.log.WithFields(logrus.Fields{
		"generate_recipe": opts.GenerateRecipe,
		"recipe_type":     opts.RecipeType,
		"bytes":           len(file.Data),
	})

	var hostedFailure string
	outcome := g.relay.Upload(ctx, file.Data, file.ContentType)
	if outcome.IsHosted() {
		res, err := g.processByURL(ctx, outcome.URL, opts)
		if err == nil && res.Succeeded() {
			up := res.Upload
			up.ImageURL = outcome.URL
			log.WithField("path", "hosted").Debug("image processed")
			return up
		}
		if err != nil {
			log.WithError(err).Warn("process by url failed, falling back to direct upload")
		} else {
			hostedFailure = res.message
			log.WithField("message", res.message).Warn("backend rejected hosted image, falling back to direct upload")
		}
	} else {
		log.WithField("reason", outcome.Reason).Debug("relay fell back, uploading directly")
	}

	res, err := g.processUpload(ctx, file, opts)
	if err != nil {
		log.WithError(err).Error("direct upload failed")
		return result.Failure(firstNonEmpty(hostedFailure, result.DefaultFailureMessage))
	}
	if !res.Succeeded() {
		return result.Failure(firstNonEmpty(res.message, hostedFailure, result.DefaultFailureMessage))
	}
	up := res.Upload
	up.ImageURL = g.resolve(up.ImageURL)
	log.WithField("path", "direct").Debug("image processed")
	return up
}

// SubmitIngredients asks the backend for a recipe built from typed
// ingredients. The result is always tagged as manual entry and, when the
// backend did not echo detections, the ingredients themselves are listed.
func (g *Gateway) SubmitIngredients(ctx context.Context, ingredients []string, opts Options) result.Upload {
	cleaned := make([]string, 0, len(ingredients))
	for _, ing := range ingredients {
		if ing = strings.TrimSpace(ing); ing != "" {
			cleaned = append(cleaned, ing)
		}
	}
	if len(cleaned) == 0 {
		return manualFailure("No ingredients provided")
	}

	log := g.log.WithFields(logrus.Fields{"ingredients": len(cleaned), "recipe_type": opts.RecipeType})
	res, err := g.postJSON(ctx, manualPath, struct {
		Ingredients []string `json:"ingredients"`
		RecipeType  *string  `json:"recipe_type"`
	}{cleaned, optional(opts.RecipeType)})
	if err != nil {
		log.WithError(err).Error("manual ingredients request failed")
		return manualFailure(manualFailureMessage)
	}
	if !res.Succeeded() {
		return manualFailure(firstNonEmpty(res.message, manualFailureMessage))
	}

	up := res.Upload
	up.ManualEntry = true
	if len(up.Detections) == 0 {
		up.Detections = typedDetections(cleaned)
		up.Count = len(up.Detections)
	}
	log.WithField("has_recipe", up.Recipe != nil).Debug("manual ingredients processed")
	return result.Normalize(up)
}

// BackendError is a failure the backend reported in its response body.
// Its message is meant for end users.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

// GenerateRecipe asks the backend for a recipe for already detected
// items. A nil recipe with a nil error means the backend had nothing to
// suggest.
func (g *Gateway) GenerateRecipe(ctx context.Context, detections []result.Detection, recipeType string) (*result.Recipe, error) {
	if detections == nil {
		detections = []result.Detection{}
	}
	res, err := g.postJSON(ctx, generateRecipePath, struct {
		Detections []result.Detection `json:"detections"`
		RecipeType *string            `json:"recipe_type"`
	}{detections, optional(recipeType)})
	if err != nil {
		return nil, errors.Wrap(err, "recipe generation request failed")
	}
	if !res.Succeeded() {
		return nil, &BackendError{Message: firstNonEmpty(res.message, manualFailureMessage)}
	}
	return res.Recipe, nil
}

// BackendStatus is what the backend reports about itself.
type BackendStatus struct {
	Status           string `json:"status"`
	Implementation   string `json:"implementation,omitempty"`
	RecipeAvailable  bool   `json:"recipe_available"`
	GeminiConfigured bool   `json:"gemini_configured"`
	Version          string `json:"version,omitempty"`
}

func (g *Gateway) Status(ctx context.Context) BackendStatus {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	offline := BackendStatus{Status: "offline"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(statusPath), nil)
	if err != nil {
		return offline
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.log.WithError(err).Warn("backend status check failed")
		return offline
	}
	defer resp.Body.Close()

	var st BackendStatus
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&st) != nil || st.Status == "" {
		return offline
	}
	return st
}

func (g *Gateway) processByURL(ctx context.Context, imageURL string, opts Options) (reply, error) {
	return g.postJSON(ctx, processImagePath, struct {
		ImageURL       string  `json:"image_url"`
		GenerateRecipe bool    `json:"generate_recipe"`
		RecipeType     *string `json:"recipe_type"`
	}{imageURL, opts.GenerateRecipe, optional(opts.RecipeType)})
}

func (g *Gateway) processUpload(ctx context.Context, file File, opts Options) (reply, error) {
	file, err := uploadable(file)
	if err != nil {
		return reply{}, err
	}
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	if file.ContentType != "" {
		h.Set("Content-Type", file.ContentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return reply{}, errors.Wrap(err, "failed to create file part")
	}
	if _, err := part.Write(file.Data); err != nil {
		return reply{}, errors.Wrap(err, "failed to write file part")
	}
	if opts.GenerateRecipe {
		if err := mw.WriteField("generate_recipe", "true"); err != nil {
			return reply{}, errors.Wrap(err, "failed to write generate_recipe")
		}
	}
	if opts.RecipeType != "" {
		if err := mw.WriteField("recipe_type", opts.RecipeType); err != nil {
			return reply{}, errors.Wrap(err, "failed to write recipe_type")
		}
	}
	if err := mw.Close(); err != nil {
		return reply{}, errors.Wrap(err, "failed to close multipart body")
	}
	return g.do(ctx, uploadPath, mw.FormDataContentType(), body)
}

func (g *Gateway) postJSON(ctx context.Context, path string, payload interface{}) (reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return reply{}, errors.Wrap(err, "failed to marshal request")
	}
	return g.do(ctx, path, "application/json", bytes.NewReader(body))
}

// reply is a decoded backend response. The normalized result always
// carries a message on failure, so the backend's own message is kept
// apart; it is empty when the backend sent none.
type reply struct {
	result.Upload
	message string
}

// do sends one request and decodes the backend's JSON envelope. The
// backend reports failures both with non-2xx codes and with
// status:"error" bodies; both come back as a non-successful result.
func (g *Gateway) do(ctx context.Context, path, contentType string, body io.Reader) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path), body)
	if err != nil {
		return reply{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := g.client.Do(req)
	if err != nil {
		return reply{}, errors.Wrapf(err, "failed to send request to %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, errors.Wrap(err, "failed to read response")
	}
	res, err := result.Decode(raw)
	if err != nil {
		return reply{}, errors.Wrapf(err, "%s returned status %d", path, resp.StatusCode)
	}
	if res.Succeeded() && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		g.log.WithField("path", path).Warnf("backend claimed success with status %d", resp.StatusCode)
		return reply{Upload: result.Failure("")}, nil
	}
	if res.Succeeded() {
		return reply{Upload: res}, nil
	}
	var envelope struct {
		Message string `json:"message"`
	}
	json.Unmarshal(raw, &envelope)
	return reply{Upload: res, message: strings.TrimSpace(envelope.Message)}, nil
}

func (g *Gateway) endpoint(path string) string {
	return g.baseURL.String() + path
}

// resolve turns a backend-relative image path such as
// /api/uploads/<name> into an absolute URL.
func (g *Gateway) resolve(imageURL string) string {
	if imageURL == "" {
		return ""
	}
	ref, err := url.Parse(imageURL)
	if err != nil || ref.IsAbs() {
		return imageURL
	}
	return g.baseURL.ResolveReference(ref).String()
}

func typedDetections(ingredients []string) []result.Detection {
	out := make([]result.Detection, len(ingredients))
	for i, ing := range ingredients {
		out[i] = result.Detection{
			Label:       strings.ToLower(ing),
			Confidence:  1,
			BoundingBox: [4]float64{0, 0, 100, 100},
		}
	}
	return out
}

func manualFailure(message string) result.Upload {
	res := result.Failure(message)
	res.ManualEntry = true
	return res
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
