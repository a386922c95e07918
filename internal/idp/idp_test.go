package idp

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{"bearer", "Bearer abc", "abc", true},
		{"scheme not checked", "Basic abc", "abc", true},
		{"extra whitespace", "  Bearer \t abc  ", "abc", true},
		{"empty", "", "", false},
		{"scheme only", "Bearer", "", false},
		{"token only", "abc", "", false},
		{"three fields", "Bearer abc def", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractToken(tt.header)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultClaim(t *testing.T) {
	c := DefaultClaim()
	assert.Equal(t, "user1@localhost.localdomain", c.Email)
	assert.True(t, c.EmailVerified)
	assert.Equal(t, "82c1c334dcc6e311ae4aaebfe946c5e858f055aff1ce5a37aa7cc91aab17e35c", c.Sub)
}

func TestXOAUTH2(t *testing.T) {
	got := XOAUTH2("user1@localhost.localdomain", "abc")

	raw, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, "user=user1@localhost.localdomain\x01auth=Bearer abc\x01\x01", string(raw))
}

func TestDescribeToken(t *testing.T) {
	info, err := DescribeToken(DefaultToken)
	require.NoError(t, err)

	assert.Equal(t, "RS256", info.Algorithm)
	assert.Equal(t, "http://provider.example.test:8000/", info.Issuer)
	assert.Equal(t, DefaultSub, info.Subject)
	assert.Equal(t, []string{"mailserver"}, info.Audience)
}

func TestDescribeToken_Invalid(t *testing.T) {
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := DescribeToken(tok)
		assert.Error(t, err, "token %q", tok)
	}
}
