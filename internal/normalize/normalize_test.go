package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare number", "5511999999999", "5511999999999@s.whatsapp.net"},
		{"already canonical", "5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"device suffix", "5511999999999:5@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"device suffix no domain", "5511999999999:12", "5511999999999@s.whatsapp.net"},
		{"legacy c.us domain", "5511999999999@c.us", "5511999999999@s.whatsapp.net"},
		{"legacy whatsapp.net domain", "5511999999999@whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"foreign domain replaced", "5511999999999@g.us", "5511999999999@s.whatsapp.net"},
		{"non numeric suffix kept", "user:abc@s.whatsapp.net", "user:abc@s.whatsapp.net"},
		{"trailing colon kept", "user:@s.whatsapp.net", "user:@s.whatsapp.net"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonical(tc.in))
		})
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	inputs := []string{
		"5511999999999",
		"5511999999999:5@s.whatsapp.net",
		"5511999999999@c.us",
		"abc:99",
		"",
	}
	for _, in := range inputs {
		once := Canonical(in)
		assert.Equal(t, once, Canonical(once), "input %q", in)
	}
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "5511999999999", LocalPart("5511999999999:5@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", LocalPart("5511999999999@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", LocalPart("5511999999999"))
}

func TestHasDeviceSuffix(t *testing.T) {
	assert.True(t, HasDeviceSuffix("5511999999999:5@s.whatsapp.net"))
	assert.True(t, HasDeviceSuffix("5511999999999:12"))
	assert.False(t, HasDeviceSuffix("5511999999999@s.whatsapp.net"))
	assert.False(t, HasDeviceSuffix("user:abc"))
	assert.False(t, HasDeviceSuffix("user:"))
}

func TestStripDeviceSuffix(t *testing.T) {
	assert.Equal(t, "5511999999999@s.whatsapp.net", StripDeviceSuffix("5511999999999:5@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", StripDeviceSuffix("5511999999999:5"))
	assert.Equal(t, "5511999999999@s.whatsapp.net", StripDeviceSuffix("5511999999999@s.whatsapp.net"))
}
