package model

import "encoding/json"

// DispatchPayload is the body stored in the outbox and posted to the render provider.
type DispatchPayload struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId"`
	PhotoID     string          `json:"photoId"`
	ImageURL    string          `json:"imageUrl"`
	Masks       []Mask          `json:"masks,omitempty"`
	Mode        string          `json:"mode"`
	Options     map[string]any  `json:"options,omitempty"`
	Calibration json.RawMessage `json:"calibration,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	CallbackURL string          `json:"callbackUrl"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model,omitempty"`
}
