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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mealmate/frontend/display"
	"github.com/mealmate/frontend/gateway"
	"github.com/mealmate/frontend/result"
	"github.com/mealmate/frontend/session"
	"github.com/mealmate/frontend/validator"
)

const (
	genericErrorMessage = "something went wrong, please go back and try again"
	noSessionMessage    = "No session data found"
	noRecipeMessage     = "No recipe could be generated for these ingredients"

	// maxJSONBytes bounds every JSON request body.
	maxJSONBytes = 1 << 20
)

type errorBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type uploadResponse struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id"`
	Result    result.Upload `json:"result"`
}

func (fe *frontendServer) uploadHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r).WithField("handler", "upload")
	if isJSON(r) {
		fe.uploadIngredients(w, r, log)
		return
	}
	fe.uploadImage(w, r, log)
}

func (fe *frontendServer) uploadImage(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger) {
	limit := fe.cfg.maxUploadBytes
	// Leave room for the multipart envelope and the small form fields.
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBytes)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fe.rejectImage(w, r, log, validator.ImagePayload{Size: limit + 1, MaxBytes: limit, ContentType: "image/jpeg"})
			return
		}
		renderHTTPError(log, r, w, errors.Wrap(err, "invalid upload form"), http.StatusBadRequest)
		return
	}

	var data []byte
	var filename string
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		renderHTTPError(log, r, w, errors.Wrap(err, "invalid file part"), http.StatusBadRequest)
		return
	default:
		defer file.Close()
		filename = header.Filename
		if data, err = io.ReadAll(io.LimitReader(file, limit+1)); err != nil {
			renderHTTPError(log, r, w, errors.Wrap(err, "failed to read uploaded file"), http.StatusBadRequest)
			return
		}
	}

	if len(data) == 0 {
		renderHTTPError(log, r, w, errors.New("No file provided"), http.StatusUnprocessableEntity)
		return
	}

	payload := validator.ImagePayload{
		Size:        int64(len(data)),
		MaxBytes:    limit,
		ContentType: validator.ImageContentType(data),
		RecipeType:  strings.ToLower(strings.TrimSpace(r.FormValue("recipe_type"))),
	}
	if err := payload.Validate(); err != nil {
		fe.rejectImage(w, r, log, payload)
		return
	}

	opts := gateway.Options{
		RecipeType:     payload.RecipeType,
		GenerateRecipe: r.FormValue("generate_recipe") == "true",
	}
	log.WithFields(logrus.Fields{
		"bytes":        payload.Size,
		"content_type": payload.ContentType,
	}).Info("processing uploaded image")

	res := fe.gateway.SubmitImage(r.Context(), gateway.File{
		Name:        filename,
		ContentType: payload.ContentType,
		Data:        data,
	}, opts)
	fe.respondUpload(w, r, log, res)
}

func (fe *frontendServer) rejectImage(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, payload validator.ImagePayload) {
	err := payload.Validate()
	if err == nil {
		err = errors.New("invalid image")
	} else {
		err = validator.ValidationErrorResponse(err)
	}
	renderHTTPError(log, r, w, err, http.StatusUnprocessableEntity)
}

func (fe *frontendServer) uploadIngredients(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger) {
	var req struct {
		Ingredients []string `json:"ingredients"`
		RecipeType  string   `json:"recipe_type"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}

	payload := validator.IngredientsPayload{
		Ingredients: validator.CleanIngredients(req.Ingredients),
		RecipeType:  strings.ToLower(strings.TrimSpace(req.RecipeType)),
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	log.WithField("ingredients", len(payload.Ingredients)).Info("processing typed ingredients")
	res := fe.gateway.SubmitIngredients(r.Context(), payload.Ingredients, gateway.Options{RecipeType: payload.RecipeType})
	fe.respondUpload(w, r, log, res)
}

// respondUpload stores a successful result in the caller's session and
// returns it. Failed results are returned with 502 and not stored.
func (fe *frontendServer) respondUpload(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, res result.Upload) {
	if !res.Succeeded() {
		log.WithField("message", res.Message).Warn("backend could not process the submission")
		writeJSON(w, http.StatusBadGateway, res)
		return
	}

	id, err := fe.store.Put(r.Context(), sessionID(r), res)
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not store result"), http.StatusInternalServerError)
		return
	}
	fe.setSessionCookie(w, id)
	log.WithFields(logrus.Fields{
		"session":      id,
		"detections":   res.Count,
		"has_recipe":   res.Recipe != nil,
		"manual_entry": res.ManualEntry,
	}).Info("stored upload result")
	writeJSON(w, http.StatusOK, uploadResponse{Status: result.StatusSuccess, SessionID: id, Result: res})
}

func (fe *frontendServer) storeSessionHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r).WithField("handler", "store-session")

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "failed to read request"), http.StatusBadRequest)
		return
	}
	payload, err := result.Decode(body)
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "invalid session payload"), http.StatusBadRequest)
		return
	}

	id, err := fe.store.Put(r.Context(), sessionID(r), payload)
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not store session"), http.StatusInternalServerError)
		return
	}
	fe.setSessionCookie(w, id)
	log.WithField("session", id).Debug("stored session payload")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "session_id": id})
}

func (fe *frontendServer) loadSessionHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r).WithField("handler", "load-session")

	payload, err := fe.store.Get(r.Context(), sessionID(r))
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": noSessionMessage})
		return
	}
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not load session"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": payload})
}

func (fe *frontendServer) resultHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r).WithField("handler", "result")

	view, err := fe.display.LoadForDisplay(r.Context(), sessionID(r))
	if err != nil {
		renderHTTPError(log, r, w, err, http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if view.State == display.NoSession {
		code = http.StatusNotFound
	}
	log.WithField("state", view.State).Debug("rendering result")
	writeJSON(w, code, view)
}

// generateRecipeHandler asks for a (new) recipe for the result stored in
// the caller's session and saves it back under the same id.
func (fe *frontendServer) generateRecipeHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r).WithField("handler", "generate-recipe")

	var req struct {
		RecipeType string `json:"recipe_type"`
	}
	if r.ContentLength != 0 && isJSON(r) {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			renderHTTPError(log, r, w, err, http.StatusBadRequest)
			return
		}
	}
	payload := validator.RecipeTypePayload{RecipeType: strings.ToLower(strings.TrimSpace(req.RecipeType))}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	id := sessionID(r)
	stored, err := fe.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": noSessionMessage})
		return
	}
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not load session"), http.StatusInternalServerError)
		return
	}
	if !stored.Succeeded() || len(stored.Detections) == 0 {
		renderHTTPError(log, r, w, errors.New("There are no ingredients to build a recipe from"), http.StatusUnprocessableEntity)
		return
	}

	recipe, err := fe.gateway.GenerateRecipe(r.Context(), stored.Detections, payload.RecipeType)
	if err != nil {
		var be *gateway.BackendError
		if !errors.As(err, &be) {
			log.WithError(err).Error("recipe generation failed")
			err = &gateway.BackendError{Message: "Failed to generate recipe"}
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Status: result.StatusError, Message: err.Error(), RequestID: requestID(r)})
		return
	}
	if recipe == nil {
		// The stored result, and any recipe it already has, stays as is.
		log.Warn("backend generated no recipe")
		writeJSON(w, http.StatusBadGateway, errorBody{Status: result.StatusError, Message: noRecipeMessage, RequestID: requestID(r)})
		return
	}

	stored.Recipe = recipe
	if id, err = fe.store.Put(r.Context(), id, stored); err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not store result"), http.StatusInternalServerError)
		return
	}
	fe.setSessionCookie(w, id)
	log.WithField("recipe", recipe.Title).Info("recipe regenerated")
	writeJSON(w, http.StatusOK, uploadResponse{Status: result.StatusSuccess, SessionID: id, Result: result.Normalize(stored)})
}

func (fe *frontendServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":  fe.gateway.Status(r.Context()),
		"relay":    fe.relayProvider,
		"store":    fe.cfg.storeKind,
		"platform": fe.platform.provider,
		"version":  version,
	})
}

func (fe *frontendServer) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieSessionID,
		Value:    id,
		Path:     "/",
		MaxAge:   int(fe.cfg.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   fe.cfg.production,
		SameSite: http.SameSiteStrictMode,
	})
}

func renderHTTPError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error, code int) {
	log.WithField("error", fmt.Sprintf("%+v", err)).Error("request error")
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = genericErrorMessage
	}
	writeJSON(w, code, errorBody{Status: result.StatusError, Message: msg, RequestID: requestID(r)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
