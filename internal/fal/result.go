package fal

import (
	"bytes"
	"encoding/json"
)

// ImageKind tags which shape the "image" field of a result had.
type ImageKind int

const (
	ImageAbsent ImageKind = iota // missing, null or unrecognised
	ImageURL                     // a bare URL string
	ImageObject                  // an object carrying a "url" field
)

func (k ImageKind) String() string {
	switch k {
	case ImageURL:
		return "url"
	case ImageObject:
		return "object"
	default:
		return "absent"
	}
}

// File is the object form of an image returned by fal models.
type File struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Image is either a bare URL or a File. Shapes that are neither decode as
// ImageAbsent instead of failing the whole result.
type Image struct {
	kind ImageKind
	url  string
	file File
}

// NewURLImage and NewObjectImage build the two variants directly.
func NewURLImage(u string) Image { return Image{kind: ImageURL, url: u} }

func NewObjectImage(f File) Image { return Image{kind: ImageObject, file: f} }

func (i Image) Kind() ImageKind { return i.kind }

// URL returns the image location for either variant, or "" when absent.
func (i Image) URL() string {
	switch i.kind {
	case ImageURL:
		return i.url
	case ImageObject:
		return i.file.URL
	default:
		return ""
	}
}

// File returns the object variant and whether the image had that shape.
func (i Image) File() (File, bool) {
	return i.file, i.kind == ImageObject
}

func (i *Image) UnmarshalJSON(data []byte) error {
	*i = Image{}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*i = NewURLImage(s)
	case '{':
		var f File
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil
		}
		*i = NewObjectImage(f)
	}

	return nil
}

func (i Image) MarshalJSON() ([]byte, error) {
	switch i.kind {
	case ImageURL:
		return json.Marshal(i.url)
	case ImageObject:
		return json.Marshal(i.file)
	default:
		return []byte("null"), nil
	}
}

// Result is the final payload of a completed fal request. Only the image
// is interpreted; the raw document is kept for diagnostics.
type Result struct {
	Image Image
	raw   json.RawMessage
}

// NewResult decodes a raw result document.
func NewResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var payload struct {
		Image  Image           `json:"image"`
		Images json.RawMessage `json:"images"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	r.raw = append(r.raw[:0], data...)
	r.Image = payload.Image

	// Several image models answer with a list instead of a single image.
	if r.Image.Kind() == ImageAbsent {
		r.Image = firstImage(payload.Images)
	}

	return nil
}

// firstImage returns the first listed image carrying a URL. Anything that
// is not a list yields no image.
func firstImage(raw json.RawMessage) Image {
	var images []Image
	if len(raw) == 0 || json.Unmarshal(raw, &images) != nil {
		return Image{}
	}
	for _, img := range images {
		if img.URL() != "" {
			return img
		}
	}
	return Image{}
}

// OutputURL is the URL of the produced image, empty when there is none.
func (r *Result) OutputURL() string {
	if r == nil {
		return ""
	}
	return r.Image.URL()
}

// String returns the raw result document.
func (r *Result) String() string {
	if r == nil || len(r.raw) == 0 {
		return "{}"
	}
	return string(r.raw)
}
