package preferences

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/jsonstore"
	"keygate/internal/store"
	"keygate/internal/validation"
)

func validForm() Form {
	return Form{
		Notify:          true,
		Keywords:        "combo, Hotmail",
		MinRecordCount:  "10",
		OutputName:      "out",
		MessageTemplate: "{count} lines\n{domains}",
	}
}

func TestDefaultSettingsNormalize(t *testing.T) {
	d := DefaultSettings()
	require.NoError(t, d.Validate())

	holder := uuid.New()
	p := d.For(holder)
	assert.Equal(t, holder, p.HolderID)
	assert.True(t, p.Notify)
	assert.Equal(t, []string{"hotmail", "microsoft", "combo", "outlook", "mixed", "piece"}, p.Keywords)
	assert.Equal(t, 200, p.MinRecordCount)
	assert.Equal(t, "cleaned_combos.txt", p.OutputName)
	assert.Nil(t, p.WebhookTarget)
	assert.Equal(t, DefaultTemplate, p.MessageTemplate)

	p.Keywords[0] = "changed"
	assert.Equal(t, "hotmail", d.Keywords[0], "For must not share the keyword slice")
}

func TestDefaultsValidateRejectsBadTemplate(t *testing.T) {
	d := DefaultSettings()
	d.MessageTemplate = "{nope}"
	err := d.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFormNormalize(t *testing.T) {
	p, err := validForm().Normalize(uuid.Nil, validation.ValidateURL)
	require.NoError(t, err)

	assert.Equal(t, []string{"combo", "hotmail"}, p.Keywords)
	assert.Equal(t, 10, p.MinRecordCount)
	assert.Equal(t, "out.txt", p.OutputName)
	assert.Nil(t, p.WebhookTarget)
}

func TestFormNormalizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Form)
		field  string
	}{
		{"no keywords", func(f *Form) { f.Keywords = " , " }, "keywords"},
		{"zero minimum", func(f *Form) { f.MinRecordCount = "0" }, "min_record_count"},
		{"non numeric minimum", func(f *Form) { f.MinRecordCount = "lots" }, "min_record_count"},
		{"empty output name", func(f *Form) { f.OutputName = "" }, "output_name"},
		{"output path", func(f *Form) { f.OutputName = "a/b.txt" }, "output_name"},
		{"bad webhook scheme", func(f *Form) { f.WebhookTarget = "ftp://example.com" }, "webhook_target"},
		{"bad template", func(f *Form) { f.MessageTemplate = "{count" }, "message_template"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validForm()
			tt.mutate(&f)
			_, err := f.Normalize(uuid.Nil, validation.ValidateURL)

			var fe *FieldError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.field, fe.Field)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestFromPreferencesRoundTrip(t *testing.T) {
	target := "https://hooks.example.com/x"
	f := validForm()
	f.WebhookTarget = target
	p, err := f.Normalize(uuid.New(), validation.ValidateURL)
	require.NoError(t, err)

	again, err := FromPreferences(p).Normalize(p.HolderID, validation.ValidateURL)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func newService(t *testing.T, allowPrivate bool) (*Service, store.Store) {
	t.Helper()
	s, err := jsonstore.Open(t.TempDir())
	require.NoError(t, err)
	return NewService(s, allowPrivate), s
}

func seed(t *testing.T, s store.Store, holder uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutPreferences(ctx, DefaultSettings().For(holder))
	}))
}

func TestServiceSaveAndGet(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t, true)
	holder := uuid.New()
	seed(t, s, holder)

	f := validForm()
	f.WebhookTarget = "http://127.0.0.1:9000/hook"
	saved, err := svc.Save(ctx, holder, f)
	require.NoError(t, err)

	got, err := svc.Get(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, saved.Keywords, got.Keywords)
	require.NotNil(t, got.WebhookTarget)
	assert.Equal(t, "http://127.0.0.1:9000/hook", *got.WebhookTarget)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestServiceSaveRejectsPrivateTarget(t *testing.T) {
	svc, s := newService(t, false)
	holder := uuid.New()
	seed(t, s, holder)

	f := validForm()
	f.WebhookTarget = "http://127.0.0.1:9000/hook"
	_, err := svc.Save(context.Background(), holder, f)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestServiceUnknownHolder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, true)

	_, err := svc.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrHolderNotFound)

	_, err = svc.Save(ctx, uuid.New(), validForm())
	assert.ErrorIs(t, err, ErrHolderNotFound)
}

func TestServiceInvalidFormLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t, true)
	holder := uuid.New()
	seed(t, s, holder)

	f := validForm()
	f.MinRecordCount = "-1"
	_, err := svc.Save(ctx, holder, f)
	require.Error(t, err)

	got, err := svc.Get(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, 200, got.MinRecordCount)
}
