package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/records"
)

func TestRender_CountAndDomains(t *testing.T) {
	got, err := Render("{count} lines, top: {domains}", 1234, []records.DomainCount{{Domain: "x.com", Count: 5}})
	require.NoError(t, err)
	assert.Equal(t, "1,234 lines, top:   1. x.com: 5\n", got)
}

func TestRender_DefaultTemplateSpelling(t *testing.T) {
	got, err := Render("Total: {count:,}\n{domains}", 1000000, []records.DomainCount{
		{Domain: "a.com", Count: 12000},
		{Domain: "b.com", Count: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "Total: 1,000,000\n  1. a.com: 12,000\n  2. b.com: 3\n", got)
}

func TestRender_EscapedBraces(t *testing.T) {
	got, err := Render("{{count}} = {count}}}", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, "{count} = 7}", got)
}

func TestRender_NoDomains(t *testing.T) {
	got, err := Render("[{domains}]", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}

func TestRender_TemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{"unknown placeholder", "{count} {total}"},
		{"format spec on domains", "{domains:>10}"},
		{"unclosed", "total {count"},
		{"nested open", "{co{unt}"},
		{"stray close", "count}"},
		{"empty placeholder", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, 1, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTemplate)

			var te *TemplateError
			assert.True(t, errors.As(err, &te))
			assert.ErrorIs(t, Validate(tt.tmpl), ErrTemplate)
		})
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, Validate("🔥 New Combo Drop!\n\n📊 Total Lines: {count:,}\n🏆 Top Domains:\n{domains}\n💾 attached"))
	assert.NoError(t, Validate("no placeholders at all"))
}

func TestTopDomains_StableTiesAndLimit(t *testing.T) {
	in := []records.DomainCount{
		{Domain: "a.com", Count: 1}, {Domain: "b.com", Count: 3}, {Domain: "c.com", Count: 3}, {Domain: "d.com", Count: 2},
		{Domain: "e.com", Count: 1}, {Domain: "f.com", Count: 5}, {Domain: "g.com", Count: 1},
	}

	got := TopDomains(in, TopN)
	assert.Equal(t, []records.DomainCount{
		{Domain: "f.com", Count: 5}, {Domain: "b.com", Count: 3}, {Domain: "c.com", Count: 3}, {Domain: "d.com", Count: 2}, {Domain: "a.com", Count: 1},
	}, got)

	assert.Equal(t, "a.com", in[0].Domain, "input must not be reordered")
}

func TestTopDomains_FewerThanN(t *testing.T) {
	got := TopDomains([]records.DomainCount{{Domain: "x.com", Count: 1}}, TopN)
	assert.Len(t, got, 1)
	assert.Empty(t, TopDomains(nil, TopN))
}
