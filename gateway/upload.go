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
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/webp"
)

// The backend's direct upload endpoint only accepts these extensions, and
// it judges a file by its name alone.
var uploadExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// uploadable prepares a file for the direct upload endpoint. WebP images
// are re-encoded as PNG, and the file name is given the extension that
// matches its content type, since browsers post canvas and camera captures
// under names like "blob".
func uploadable(file File) (File, error) {
	if file.ContentType == "image/webp" {
		img, err := webp.Decode(bytes.NewReader(file.Data))
		if err != nil {
			return File{}, errors.Wrap(err, "failed to decode webp image")
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return File{}, errors.Wrap(err, "failed to re-encode webp image as png")
		}
		file.Data = buf.Bytes()
		file.ContentType = "image/png"
	}
	file.Name = uploadName(file.Name, file.ContentType)
	return file, nil
}

func uploadName(name, contentType string) string {
	stem := path.Base(strings.ReplaceAll(name, `\`, "/"))
	stem = strings.TrimSuffix(stem, path.Ext(stem))
	if stem == "" || stem == "." || stem == "/" {
		stem = "upload"
	}
	ext, ok := uploadExtensions[contentType]
	if !ok {
		return stem
	}
	return stem + ext
}
