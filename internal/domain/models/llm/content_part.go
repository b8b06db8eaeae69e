package llm

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// PartType is the kind of a user content part.
type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeFile  PartType = "file"
)

// DefaultMimeType is used for binary parts stored without a content type.
const DefaultMimeType = "application/octet-stream"

// ContentPart is one ordered element of a user message.
//
// Binary parts carry either Data (in memory, before persistence or after a
// history pull) or Blob (the stored object reference), usually both after a pull.
type ContentPart struct {
	Order int      `json:"order" msgpack:"order"`
	Type  PartType `json:"type" msgpack:"type"`
	Text  *string  `json:"text,omitempty" msgpack:"text,omitempty"`
	Blob  *BlobRef `json:"blob,omitempty" msgpack:"blob,omitempty"`
	Data  []byte   `json:"-" msgpack:"data,omitempty"`

	// MimeType and OriginalName describe Data before it has been stored.
	MimeType     string  `json:"mime_type,omitempty" msgpack:"mime_type,omitempty"`
	OriginalName *string `json:"original_name,omitempty" msgpack:"original_name,omitempty"`
}

// BlobRef locates a binary part in the blob store.
type BlobRef struct {
	Region       string  `json:"region" msgpack:"region"`
	Bucket       string  `json:"bucket" msgpack:"bucket"`
	Key          string  `json:"key" msgpack:"key"`
	MimeType     string  `json:"mime_type" msgpack:"mime_type"`
	OriginalName *string `json:"original_name,omitempty" msgpack:"original_name,omitempty"`
}

func NewTextPart(order int, text string) ContentPart {
	return ContentPart{Order: order, Type: PartTypeText, Text: &text}
}

func NewImagePart(order int, data []byte, mimeType string) ContentPart {
	return ContentPart{Order: order, Type: PartTypeImage, Data: data, MimeType: mimeType}
}

func NewFilePart(order int, data []byte, mimeType string, originalName *string) ContentPart {
	return ContentPart{Order: order, Type: PartTypeFile, Data: data, MimeType: mimeType, OriginalName: originalName}
}

// Mime returns the effective MIME type of a binary part.
func (p ContentPart) Mime() string {
	if p.Blob != nil && p.Blob.MimeType != "" {
		return p.Blob.MimeType
	}
	if p.MimeType != "" {
		return p.MimeType
	}
	return DefaultMimeType
}

// DetectMimeType guesses the MIME type of stored content from its name, then
// from its leading bytes.
func DetectMimeType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return strings.TrimSpace(strings.SplitN(byExt, ";", 2)[0])
	}
	if len(data) == 0 {
		return DefaultMimeType
	}
	return strings.TrimSpace(strings.SplitN(http.DetectContentType(data), ";", 2)[0])
}

// IsBinary reports whether the part is an image or a file.
func (p ContentPart) IsBinary() bool {
	return p.Type == PartTypeImage || p.Type == PartTypeFile
}

func (p ContentPart) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Order, validation.Min(0)),
		validation.Field(&p.Type, validation.Required, validation.In(PartTypeText, PartTypeImage, PartTypeFile)),
		validation.Field(&p.Text,
			validation.When(p.Type == PartTypeText, validation.Required.Error("text part needs text")),
			validation.When(p.Type != PartTypeText, validation.Nil.Error("only text parts carry text")),
		),
		validation.Field(&p.Data,
			validation.When(p.IsBinary() && p.Blob == nil, validation.Required.Error("binary part needs data or a blob reference")),
		),
		validation.Field(&p.Blob,
			validation.When(p.Blob != nil, validation.By(validateBlobRef)),
		),
	)
}

func validateBlobRef(value interface{}) error {
	ref, ok := value.(*BlobRef)
	if !ok || ref == nil {
		return nil
	}
	return validation.ValidateStruct(ref,
		validation.Field(&ref.Bucket, validation.Required),
		validation.Field(&ref.Key, validation.Required),
	)
}

// ValidateParts validates every part and checks that orders are unique.
func ValidateParts(parts []ContentPart) error {
	if len(parts) == 0 {
		return errors.New("message has no parts")
	}
	seen := make(map[int]struct{}, len(parts))
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		if _, dup := seen[p.Order]; dup {
			return fmt.Errorf("part %d: duplicate order %d", i, p.Order)
		}
		seen[p.Order] = struct{}{}
	}
	return nil
}

// SortParts orders parts by their Order field in place.
func SortParts(parts []ContentPart) {
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].Order < parts[j].Order
	})
}

// Renumber returns a copy of parts sorted by order and renumbered from offset,
// so concatenated part lists keep a strictly increasing order.
func Renumber(parts []ContentPart, offset int) []ContentPart {
	out := make([]ContentPart, len(parts))
	copy(out, parts)
	SortParts(out)
	for i := range out {
		out[i].Order = offset + i
	}
	return out
}

// MergePending concatenates the parts of pending requests in arrival order.
func MergePending(requests []PendingRequest) []ContentPart {
	var merged []ContentPart
	for _, req := range requests {
		merged = append(merged, Renumber(req.Parts, len(merged))...)
	}
	return merged
}
