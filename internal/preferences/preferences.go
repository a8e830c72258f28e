// Package preferences manages per-holder processing settings.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"keygate/internal/models"
	"keygate/internal/report"
	"keygate/internal/store"
	"keygate/internal/validation"
)

// DefaultTemplate is the message template given to new holders.
const DefaultTemplate = "🔥 New Combo Drop!\n\n📊 Total Lines: {count:,}\n🏆 Top Domains:\n{domains}\n💾 Cleaned combo file attached"

var (
	// ErrHolderNotFound is returned when a holder has no preferences, usually
	// because their key was revoked.
	ErrHolderNotFound = errors.New("holder not found")
	// ErrInvalid is wrapped by every *FieldError.
	ErrInvalid = errors.New("invalid preferences")
)

// FieldError describes a rejected settings field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

// Defaults are the settings a holder starts with on redemption.
type Defaults struct {
	Notify          bool     `yaml:"notify"`
	Keywords        []string `yaml:"keywords"`
	MinRecordCount  int      `yaml:"min_record_count"`
	OutputName      string   `yaml:"output_name"`
	WebhookTarget   string   `yaml:"webhook_target"`
	MessageTemplate string   `yaml:"message_template"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Defaults {
	return Defaults{
		Notify:          true,
		Keywords:        []string{"hotmail", "microsoft", "combo", "outlook", "mixed", "piece"},
		MinRecordCount:  200,
		OutputName:      "cleaned_combos.txt",
		MessageTemplate: DefaultTemplate,
	}
}

// Form returns the defaults in form shape so they pass through the same
// normalization as holder edits.
func (d Defaults) Form() Form {
	return Form{
		Notify:          d.Notify,
		Keywords:        strings.Join(d.Keywords, ","),
		MinRecordCount:  strconv.Itoa(d.MinRecordCount),
		OutputName:      d.OutputName,
		WebhookTarget:   d.WebhookTarget,
		MessageTemplate: d.MessageTemplate,
	}
}

// Validate normalizes the defaults in place.
func (d *Defaults) Validate() error {
	p, err := d.Form().Normalize(uuid.Nil, validation.ValidateURL)
	if err != nil {
		return fmt.Errorf("default preferences: %w", err)
	}
	d.Keywords = p.Keywords
	d.OutputName = p.OutputName
	return nil
}

// For builds a fresh Preferences for holderID.
func (d Defaults) For(holderID uuid.UUID) *models.Preferences {
	p := &models.Preferences{
		HolderID:        holderID,
		Notify:          d.Notify,
		Keywords:        slices.Clone(d.Keywords),
		MinRecordCount:  d.MinRecordCount,
		OutputName:      d.OutputName,
		MessageTemplate: d.MessageTemplate,
	}
	if d.WebhookTarget != "" {
		target := d.WebhookTarget
		p.WebhookTarget = &target
	}
	return p
}

// Form is the raw settings submission.
type Form struct {
	Notify          bool
	Keywords        string // comma separated
	MinRecordCount  string
	OutputName      string
	WebhookTarget   string // empty clears
	MessageTemplate string
}

// FromPreferences fills a Form from stored preferences for editing.
func FromPreferences(p *models.Preferences) Form {
	f := Form{
		Notify:          p.Notify,
		Keywords:        strings.Join(p.Keywords, ", "),
		MinRecordCount:  strconv.Itoa(p.MinRecordCount),
		OutputName:      p.OutputName,
		MessageTemplate: p.MessageTemplate,
	}
	if p.WebhookTarget != nil {
		f.WebhookTarget = *p.WebhookTarget
	}
	return f
}

// Normalize validates the form and returns the resulting preferences.
// checkTarget validates a non-empty webhook URL.
func (f Form) Normalize(holderID uuid.UUID, checkTarget func(string) (bool, string)) (*models.Preferences, error) {
	keywords := validation.ParseKeywords(f.Keywords)
	if len(keywords) == 0 {
		return nil, &FieldError{Field: "keywords", Message: "at least one keyword is required"}
	}
	if len(keywords) > validation.MaxKeywords {
		return nil, &FieldError{Field: "keywords", Message: fmt.Sprintf("at most %d keywords are allowed", validation.MaxKeywords)}
	}

	minCount, err := strconv.Atoi(strings.TrimSpace(f.MinRecordCount))
	if err != nil || minCount < 1 {
		return nil, &FieldError{Field: "min_record_count", Message: "must be a whole number of at least 1"}
	}

	outputName, ok := validation.NormalizeOutputName(f.OutputName)
	if !ok {
		return nil, &FieldError{Field: "output_name", Message: "must be a plain file name"}
	}

	var target *string
	if raw := strings.TrimSpace(f.WebhookTarget); raw != "" {
		if valid, msg := checkTarget(raw); !valid {
			return nil, &FieldError{Field: "webhook_target", Message: msg}
		}
		target = &raw
	}

	tmpl := strings.TrimSpace(f.MessageTemplate)
	if err := report.Validate(tmpl); err != nil {
		return nil, &FieldError{Field: "message_template", Message: err.Error()}
	}

	return &models.Preferences{
		HolderID:        holderID,
		Notify:          f.Notify,
		Keywords:        keywords,
		MinRecordCount:  minCount,
		OutputName:      outputName,
		WebhookTarget:   target,
		MessageTemplate: tmpl,
	}, nil
}

// Service reads and saves holder preferences.
type Service struct {
	store       store.Store
	checkTarget func(string) (bool, string)
}

// NewService creates a preference service. Unless allowPrivateTargets is
// set, webhook targets resolving to private addresses are refused on save.
func NewService(s store.Store, allowPrivateTargets bool) *Service {
	check := validation.ValidateWebhookTarget
	if allowPrivateTargets {
		check = validation.ValidateURL
	}
	return &Service{store: s, checkTarget: check}
}

// Get returns the holder's current preferences.
func (s *Service) Get(ctx context.Context, holderID uuid.UUID) (*models.Preferences, error) {
	p, err := s.store.GetPreferences(ctx, holderID)
	if errors.Is(err, store.ErrPreferencesNotFound) {
		return nil, ErrHolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// Save validates form and replaces the holder's preferences. Holders whose
// preferences were removed by revocation get ErrHolderNotFound.
func (s *Service) Save(ctx context.Context, holderID uuid.UUID, form Form) (*models.Preferences, error) {
	p, err := form.Normalize(holderID, s.checkTarget)
	if err != nil {
		return nil, err
	}

	err = s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.Preferences(ctx, holderID); err != nil {
			if errors.Is(err, store.ErrPreferencesNotFound) {
				return ErrHolderNotFound
			}
			return err
		}
		return tx.PutPreferences(ctx, p)
	})
	if errors.Is(err, ErrHolderNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("save preferences: %w", err)
	}
	return p, nil
}
