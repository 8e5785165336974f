package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"30s", 30 * time.Second, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"xd", 0, true},
		{"1dzz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain, err := SplitEmailAddress(" User@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "user", local)
	assert.Equal(t, "example.com", domain)

	_, _, err = SplitEmailAddress("nodomain")
	assert.Error(t, err)
	_, _, err = SplitEmailAddress("user@")
	assert.Error(t, err)
}

func TestBaseSubject(t *testing.T) {
	assert.Equal(t, "Meeting", BaseSubject("Re: Fwd: RE[2]: Meeting"))
	assert.Equal(t, "Hello", BaseSubject("Hello"))
	assert.Equal(t, "Auto: Meeting", ReplySubject("Auto: ", "Re: Meeting"))
	assert.Equal(t, "Auto:", ReplySubject("Auto: ", ""))
}

func TestHashContentStable(t *testing.T) {
	a := HashContent([]byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashContent([]byte("hello")))
	assert.NotEqual(t, a, HashContent([]byte("hello!")))
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "plain", PlainText("plain"))
	assert.Contains(t, PlainText("<p>away until <b>Monday</b></p>"), "Monday")
}
