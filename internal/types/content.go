package types

import (
	"encoding/json"
)

// PartKind discriminates the content shapes a message can carry. The remote
// API varies the fields per part type, so parts decode into a tagged union
// with an explicit unknown fallback instead of free-form maps.
type PartKind string

const (
	PartText    PartKind = "text"
	PartAsset   PartKind = "asset_pointer"
	PartUnknown PartKind = "unknown"
)

// ContentPart is one element of a message's multimodal content. Exactly the
// fields for its Kind are meaningful; PartUnknown keeps the original payload
// in Raw so nothing is lost on round-trip.
type ContentPart struct {
	Kind    PartKind
	Text    string // PartText
	Pointer string // PartAsset: asset pointer or sandbox path
	Mime    string // PartAsset
	Size    int64  // PartAsset, bytes
	Raw     json.RawMessage // PartUnknown: verbatim payload
}

// contentPartWire mirrors the union of fields the API emits across part types.
type contentPartWire struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	AssetPointer string `json:"asset_pointer,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

// UnmarshalJSON decodes a part into the union, falling back to PartUnknown
// (with the raw payload retained) for any type it does not recognize.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w contentPartWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch w.Type {
	case "text":
		*p = ContentPart{Kind: PartText, Text: w.Text}
	case "asset_pointer", "image_asset_pointer":
		*p = ContentPart{
			Kind:    PartAsset,
			Pointer: w.AssetPointer,
			Mime:    w.ContentType,
			Size:    w.SizeBytes,
		}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		*p = ContentPart{Kind: PartUnknown, Raw: raw}
	}
	return nil
}

// MarshalJSON re-emits unknown parts verbatim and known parts canonically.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PartUnknown:
		if len(p.Raw) == 0 {
			return []byte(`{"type":"unknown"}`), nil
		}
		return p.Raw, nil
	case PartText:
		return json.Marshal(contentPartWire{Type: "text", Text: p.Text})
	default:
		return json.Marshal(contentPartWire{
			Type:         string(p.Kind),
			AssetPointer: p.Pointer,
			ContentType:  p.Mime,
			SizeBytes:    p.Size,
		})
	}
}
