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

package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mealmate/frontend/relay"
	"github.com/mealmate/frontend/result"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0fake-jpeg")

type stubRelay struct {
	outcome relay.Outcome
	mu      sync.Mutex
	calls   int
}

func (s *stubRelay) Upload(context.Context, []byte, string) relay.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.outcome
}

func hostedRelay(url string) *stubRelay {
	return &stubRelay{outcome: relay.Outcome{Kind: relay.Hosted, URL: url}}
}

func fallbackRelay() *stubRelay {
	return &stubRelay{outcome: relay.Outcome{Kind: relay.Fallback, Reason: "not configured"}}
}

// fakeBackend records which paths were hit and answers each with a canned
// handler.
type fakeBackend struct {
	mu       sync.Mutex
	hits     map[string]int
	handlers map[string]http.HandlerFunc
}

func newFakeBackend(t *testing.T, handlers map[string]http.HandlerFunc) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{hits: map[string]int{}, handlers: handlers}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.hits[r.URL.Path]++
		fb.mu.Unlock()
		h, ok := fb.handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) hitCount(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[path]
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	io.WriteString(w, body)
}

func newTestGateway(t *testing.T, baseURL string, r relay.Relay, timeout time.Duration) *Gateway {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	g, err := New(baseURL, timeout, nil, r, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

const eggDetections = `"detections":[{"label":"egg","confidence":0.93,"bbox":[1,2,3,4]},{"label":"rice","confidence":0.81,"bbox":[5,6,7,8]}]`

func TestNewRejectsRelativeURL(t *testing.T) {
	for _, u := range []string{"", "backend:5000", "/api"} {
		if _, err := New(u, 0, nil, nil, logrus.New()); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestSubmitImageHostedPath(t *testing.T) {
	var got map[string]interface{}
	fb, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		processImagePath: func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode request: %v", err)
			}
			writeJSON(w, http.StatusOK, `{"status":"success",`+eggDetections+`,"count":2,
				"recipe":{"recipe":{"title":"Egg fried rice","ingredients":["egg","rice"],"instructions":["fry"]}}}`)
		},
	})
	rl := hostedRelay("https://cdn.example/recipe-images/a.jpg")
	g := newTestGateway(t, srv.URL, rl, time.Second)

	res := g.SubmitImage(context.Background(), File{Name: "a.jpg", ContentType: "image/jpeg", Data: jpegBytes},
		Options{GenerateRecipe: true, RecipeType: "dinner"})

	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ImageURL != "https://cdn.example/recipe-images/a.jpg" {
		t.Errorf("image url = %q", res.ImageURL)
	}
	if res.Count != 2 || len(res.Detections) != 2 || res.Detections[0].Label != "egg" {
		t.Errorf("unexpected detections %+v", res.Detections)
	}
	if res.Recipe == nil || res.Recipe.Title != "Egg fried rice" {
		t.Errorf("nested recipe not extracted: %+v", res.Recipe)
	}
	if got["image_url"] != "https://cdn.example/recipe-images/a.jpg" || got["generate_recipe"] != true || got["recipe_type"] != "dinner" {
		t.Errorf("unexpected request body %v", got)
	}
	if n := fb.hitCount(uploadPath); n != 0 {
		t.Errorf("direct upload should not be used, got %d calls", n)
	}
}

func TestSubmitImageSendsNullRecipeType(t *testing.T) {
	var got map[string]interface{}
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		processImagePath: func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, `{"status":"success","detections":[]}`)
		},
	})
	g := newTestGateway(t, srv.URL, hostedRelay("https://cdn.example/b.png"), time.Second)
	g.SubmitImage(context.Background(), File{ContentType: "image/png", Data: jpegBytes}, Options{})

	v, ok := got["recipe_type"]
	if !ok || v != nil {
		t.Errorf("recipe_type should be present and null, got %v (present=%v)", v, ok)
	}
	if got["generate_recipe"] != false {
		t.Errorf("generate_recipe = %v", got["generate_recipe"])
	}
}

func TestSubmitImageDirectUploadWhenRelayFallsBack(t *testing.T) {
	fb, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		uploadPath: func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
				return
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("missing file part: %v", err)
				return
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if string(data) != string(jpegBytes) {
				t.Errorf("file bytes changed")
			}
			if hdr.Filename != "dinner.jpg" || hdr.Header.Get("Content-Type") != "image/jpeg" {
				t.Errorf("file header = %q %q", hdr.Filename, hdr.Header.Get("Content-Type"))
			}
			if r.FormValue("generate_recipe") != "true" || r.FormValue("recipe_type") != "vegan" {
				t.Errorf("form fields = %q %q", r.FormValue("generate_recipe"), r.FormValue("recipe_type"))
			}
			writeJSON(w, http.StatusOK, `{"status":"success","image_url":"/api/uploads/x.jpg",`+eggDetections+`}`)
		},
	})
	rl := fallbackRelay()
	g := newTestGateway(t, srv.URL, rl, time.Second)

	res := g.SubmitImage(context.Background(), File{Name: "dinner.jpg", ContentType: "image/jpeg", Data: jpegBytes},
		Options{GenerateRecipe: true, RecipeType: "vegan"})

	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ImageURL != srv.URL+"/api/uploads/x.jpg" {
		t.Errorf("relative image url not resolved: %q", res.ImageURL)
	}
	if res.Count != 2 {
		t.Errorf("count should default to detections, got %d", res.Count)
	}
	if fb.hitCount(processImagePath) != 0 {
		t.Errorf("process-image must not be called without a hosted url")
	}
	if rl.calls != 1 {
		t.Errorf("relay calls = %d", rl.calls)
	}
}

func TestSubmitImageFallsBackWhenHostedProcessingFails(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"error status": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"error","message":"could not fetch image"}`)
		},
		"server error": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"status":"error","message":"boom"}`)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "<html>bad gateway</html>")
		},
	} {
		t.Run(name, func(t *testing.T) {
			fb, srv := newFakeBackend(t, map[string]http.HandlerFunc{
				processImagePath: handler,
				uploadPath: func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, `{"status":"success",`+eggDetections+`}`)
				},
			})
			g := newTestGateway(t, srv.URL, hostedRelay("https://cdn.example/c.jpg"), time.Second)
			res := g.SubmitImage(context.Background(), File{ContentType: "image/jpeg", Data: jpegBytes}, Options{})
			if !res.Succeeded() {
				t.Fatalf("expected fallback success, got %+v", res)
			}
			if fb.hitCount(processImagePath) != 1 || fb.hitCount(uploadPath) != 1 {
				t.Errorf("hits = %v", fb.hits)
			}
		})
	}
}

func TestSubmitImageTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		processImagePath: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
		uploadPath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"success",`+eggDetections+`}`)
		},
	})
	g := newTestGateway(t, srv.URL, hostedRelay("https://cdn.example/slow.jpg"), 200*time.Millisecond)

	res := g.SubmitImage(context.Background(), File{ContentType: "image/jpeg", Data: jpegBytes}, Options{})
	if !res.Succeeded() || res.Count != 2 {
		t.Fatalf("expected direct upload result after timeout, got %+v", res)
	}
}

// The backend answers the same detections on both paths; apart from the
// image URL the caller must not be able to tell which path was taken.
func TestSubmitImagePathsAreIndistinguishable(t *testing.T) {
	body := `{"status":"success",` + eggDetections + `,"recipe":{"title":"Omelette","ingredients":["egg"],"instructions":["whisk","cook"]}}`
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		processImagePath: func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, body) },
		uploadPath:       func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, body) },
	})
	file := File{ContentType: "image/jpeg", Data: jpegBytes}
	opts := Options{GenerateRecipe: true}

	viaHost := newTestGateway(t, srv.URL, hostedRelay("https://cdn.example/d.jpg"), time.Second).
		SubmitImage(context.Background(), file, opts)
	direct := newTestGateway(t, srv.URL, fallbackRelay(), time.Second).
		SubmitImage(context.Background(), file, opts)

	viaHost.ImageURL, direct.ImageURL = "", ""
	if !reflect.DeepEqual(viaHost, direct) {
		t.Errorf("results differ:\nhosted: %+v\ndirect: %+v", viaHost, direct)
	}
}

func TestSubmitImageFailures(t *testing.T) {
	t.Run("backend message is kept", func(t *testing.T) {
		_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
			uploadPath: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"Invalid file type"}`)
			},
		})
		res := newTestGateway(t, srv.URL, fallbackRelay(), time.Second).
			SubmitImage(context.Background(), File{ContentType: "image/jpeg", Data: jpegBytes}, Options{})
		if res.Status != result.StatusError || res.Message != "Invalid file type" {
			t.Errorf("got %+v", res)
		}
		if res.Detections == nil || res.Count != 0 {
			t.Errorf("failure must still be canonical: %+v", res)
		}
	})

	t.Run("unreachable backend", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()
		res := newTestGateway(t, base, fallbackRelay(), time.Second).
			SubmitImage(context.Background(), File{ContentType: "image/jpeg", Data: jpegBytes}, Options{})
		if res.Status != result.StatusError || res.Message != result.DefaultFailureMessage {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("empty file makes no calls", func(t *testing.T) {
		fb, srv := newFakeBackend(t, nil)
		rl := fallbackRelay()
		res := newTestGateway(t, srv.URL, rl, time.Second).
			SubmitImage(context.Background(), File{ContentType: "image/jpeg"}, Options{})
		if res.Succeeded() || rl.calls != 0 || len(fb.hits) != 0 {
			t.Errorf("got %+v, relay calls %d, backend hits %v", res, rl.calls, fb.hits)
		}
	})
}

func TestSubmitImageKeepsHostedFailureMessage(t *testing.T) {
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		processImagePath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"error","message":"could not fetch image"}`)
		},
		uploadPath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"status":"error"}`)
		},
	})
	res := newTestGateway(t, srv.URL, hostedRelay("https://cdn.example/e.jpg"), time.Second).
		SubmitImage(context.Background(), File{ContentType: "image/jpeg", Data: jpegBytes}, Options{})
	if res.Status != result.StatusError || res.Message != "could not fetch image" {
		t.Errorf("got %+v", res)
	}
}

// 1x1 lossless WebP.
const tinyWebP = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func TestSubmitImageDirectUploadFileNames(t *testing.T) {
	webpData, err := base64.StdEncoding.DecodeString(tinyWebP)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	tests := []struct {
		name     string
		file     File
		wantName string
		wantType string
	}{
		{"no name", File{ContentType: "image/png", Data: jpegBytes}, "upload.png", "image/png"},
		{"canvas blob", File{Name: "blob", ContentType: "image/jpeg", Data: jpegBytes}, "blob.jpg", "image/jpeg"},
		{"wrong extension", File{Name: "IMG_0001.HEIC", ContentType: "image/jpeg", Data: jpegBytes}, "IMG_0001.jpg", "image/jpeg"},
		{"windows path", File{Name: `C:\photos\dinner.jpeg`, ContentType: "image/jpeg", Data: jpegBytes}, "dinner.jpg", "image/jpeg"},
		{"webp", File{Name: "photo.webp", ContentType: "image/webp", Data: webpData}, "photo.png", "image/png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotName, gotType string
			var gotData []byte
			_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
				uploadPath: func(w http.ResponseWriter, r *http.Request) {
					f, hdr, err := r.FormFile("file")
					if err != nil {
						writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"No file part"}`)
						return
					}
					defer f.Close()
					gotName, gotType = hdr.Filename, hdr.Header.Get("Content-Type")
					gotData, _ = io.ReadAll(f)
					switch strings.ToLower(path.Ext(hdr.Filename)) {
					case ".png", ".jpg", ".jpeg":
						writeJSON(w, http.StatusOK, `{"status":"success",`+eggDetections+`}`)
					default:
						writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"Invalid file type. Allowed types: jpg, jpeg, png"}`)
					}
				},
			})
			res := newTestGateway(t, srv.URL, fallbackRelay(), time.Second).
				SubmitImage(context.Background(), tc.file, Options{})
			if !res.Succeeded() {
				t.Fatalf("got %+v", res)
			}
			if gotName != tc.wantName || gotType != tc.wantType {
				t.Errorf("file part = %q %q, want %q %q", gotName, gotType, tc.wantName, tc.wantType)
			}
			if tc.wantType == "image/png" && tc.file.ContentType == "image/webp" {
				img, err := png.Decode(bytes.NewReader(gotData))
				if err != nil || img.Bounds().Dx() != 1 {
					t.Errorf("webp was not re-encoded as png: %v", err)
				}
			}
		})
	}
}

func TestSubmitImageUndecodableWebP(t *testing.T) {
	fb, srv := newFakeBackend(t, nil)
	res := newTestGateway(t, srv.URL, fallbackRelay(), time.Second).
		SubmitImage(context.Background(), File{Name: "x.webp", ContentType: "image/webp", Data: []byte("RIFF junk")}, Options{})
	if res.Succeeded() || res.Message != result.DefaultFailureMessage {
		t.Errorf("got %+v", res)
	}
	if fb.hitCount(uploadPath) != 0 {
		t.Errorf("nothing should be uploaded, hits = %v", fb.hits)
	}
}

func TestSubmitIngredientsSynthesizesDetections(t *testing.T) {
	var got struct {
		Ingredients []string `json:"ingredients"`
		RecipeType  *string  `json:"recipe_type"`
	}
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		manualPath: func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, `{"status":"success","recipe":null}`)
		},
	})
	g := newTestGateway(t, srv.URL, fallbackRelay(), time.Second)

	res := g.SubmitIngredients(context.Background(), []string{" Egg ", "", "rice"}, Options{})

	if !res.Succeeded() || !res.ManualEntry {
		t.Fatalf("expected manual success, got %+v", res)
	}
	if res.Recipe != nil {
		t.Errorf("expected no recipe, got %+v", res.Recipe)
	}
	want := []result.Detection{
		{Label: "egg", Confidence: 1, BoundingBox: [4]float64{0, 0, 100, 100}},
		{Label: "rice", Confidence: 1, BoundingBox: [4]float64{0, 0, 100, 100}},
	}
	if !reflect.DeepEqual(res.Detections, want) || res.Count != 2 {
		t.Errorf("detections = %+v count = %d", res.Detections, res.Count)
	}
	if !reflect.DeepEqual(got.Ingredients, []string{"Egg", "rice"}) || got.RecipeType != nil {
		t.Errorf("request = %+v", got)
	}
}

func TestSubmitIngredientsKeepsBackendDetections(t *testing.T) {
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		manualPath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"success","detections":[{"label":"tomato","confidence":1,"bbox":[0,0,100,100]}],
				"recipe":{"title":"Salad","ingredients":["tomato"],"instructions":["slice"]}}`)
		},
	})
	res := newTestGateway(t, srv.URL, nil, time.Second).
		SubmitIngredients(context.Background(), []string{"tomato"}, Options{RecipeType: "vegan"})
	if len(res.Detections) != 1 || res.Detections[0].Label != "tomato" || res.Recipe == nil || !res.ManualEntry {
		t.Errorf("got %+v", res)
	}
}

func TestSubmitIngredientsFailures(t *testing.T) {
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		manualPath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"status":"error"}`)
		},
	})
	g := newTestGateway(t, srv.URL, nil, time.Second)

	res := g.SubmitIngredients(context.Background(), []string{"egg"}, Options{})
	if res.Status != result.StatusError || res.Message != manualFailureMessage || !res.ManualEntry {
		t.Errorf("got %+v", res)
	}

	res = g.SubmitIngredients(context.Background(), []string{"  ", ""}, Options{})
	if res.Status != result.StatusError || !res.ManualEntry {
		t.Errorf("blank ingredients: got %+v", res)
	}
}

func TestGenerateRecipe(t *testing.T) {
	var got struct {
		Detections []result.Detection `json:"detections"`
		RecipeType *string            `json:"recipe_type"`
	}
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		generateRecipePath: func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, `{"status":"success","recipe":{"title":"Congee","ingredients":["rice"],"instructions":["simmer"]}}`)
		},
	})
	g := newTestGateway(t, srv.URL, nil, time.Second)

	rec, err := g.GenerateRecipe(context.Background(), []result.Detection{{Label: "rice", Confidence: 0.9}}, "breakfast")
	if err != nil {
		t.Fatalf("GenerateRecipe: %v", err)
	}
	if rec == nil || rec.Title != "Congee" {
		t.Errorf("recipe = %+v", rec)
	}
	if len(got.Detections) != 1 || got.RecipeType == nil || *got.RecipeType != "breakfast" {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerateRecipeError(t *testing.T) {
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		generateRecipePath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, `{"status":"error","message":"Recipe generation not available"}`)
		},
	})
	_, err := newTestGateway(t, srv.URL, nil, time.Second).GenerateRecipe(context.Background(), nil, "")
	var be *BackendError
	if !errors.As(err, &be) || be.Message != "Recipe generation not available" {
		t.Errorf("err = %v", err)
	}

	_, silent := newFakeBackend(t, map[string]http.HandlerFunc{
		generateRecipePath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"status":"error"}`)
		},
	})
	_, err = newTestGateway(t, silent.URL, nil, time.Second).GenerateRecipe(context.Background(), nil, "")
	if !errors.As(err, &be) || be.Message != manualFailureMessage {
		t.Errorf("without a backend message: err = %v", err)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	base := down.URL
	down.Close()
	_, err = newTestGateway(t, base, nil, time.Second).GenerateRecipe(context.Background(), nil, "")
	if err == nil || errors.As(err, &be) {
		t.Errorf("transport failure should not be a backend error: %v", err)
	}
}

func TestStatus(t *testing.T) {
	_, srv := newFakeBackend(t, map[string]http.HandlerFunc{
		statusPath: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"status":"online","implementation":"yolo","recipe_available":true,"gemini_configured":true}`)
		},
	})
	st := newTestGateway(t, srv.URL, nil, time.Second).Status(context.Background())
	if st.Status != "online" || !st.RecipeAvailable || st.Implementation != "yolo" {
		t.Errorf("status = %+v", st)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	base := down.URL
	down.Close()
	if st := newTestGateway(t, base, nil, time.Second).Status(context.Background()); st.Status != "offline" {
		t.Errorf("unreachable backend status = %+v", st)
	}
}
