package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// OutputExtension is the only extension accepted for uploads and artifacts.
const OutputExtension = ".txt"

// Preferences is the per-holder configuration created on key redemption.
type Preferences struct {
	HolderID        uuid.UUID `json:"holder_id"`
	Notify          bool      `json:"notify"`
	Keywords        []string  `json:"keywords"`
	MinRecordCount  int       `json:"min_record_count"`
	OutputName      string    `json:"output_name"`
	WebhookTarget   *string   `json:"webhook_target"`
	MessageTemplate string    `json:"message_template"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasWebhook returns true if a delivery target is configured.
func (p *Preferences) HasWebhook() bool {
	return p.WebhookTarget != nil && *p.WebhookTarget != ""
}

// Clone returns a deep copy so stores never share slices with callers.
func (p *Preferences) Clone() *Preferences {
	c := *p
	c.Keywords = slices.Clone(p.Keywords)
	if p.WebhookTarget != nil {
		w := *p.WebhookTarget
		c.WebhookTarget = &w
	}
	return &c
}
