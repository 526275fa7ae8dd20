package model

import (
	"encoding/json"
	"strings"
)

// Mask is a spatial region the provider should act on.
type Mask struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // inline encoded mask
}

func (m Mask) Empty() bool {
	return strings.TrimSpace(m.URL) == "" && strings.TrimSpace(m.Data) == ""
}

// EnhancementRequest is what the route layer submits.
type EnhancementRequest struct {
	TenantID        string          `json:"tenant_id"`
	UserID          string          `json:"user_id"`
	PhotoID         string          `json:"photo_id"`
	ImageURL        string          `json:"image_url"`
	Masks           []Mask          `json:"masks,omitempty"`
	EnhancementType string          `json:"enhancement_type"`
	Options         map[string]any  `json:"options,omitempty"`
	Calibration     json.RawMessage `json:"calibration,omitempty"`
	Width           int             `json:"width,omitempty"`
	Height          int             `json:"height,omitempty"`
	Provider        string          `json:"provider,omitempty"`
}

// HasMask reports whether at least one non-empty mask was supplied.
func (r EnhancementRequest) HasMask() bool {
	for _, m := range r.Masks {
		if !m.Empty() {
			return true
		}
	}
	return false
}
