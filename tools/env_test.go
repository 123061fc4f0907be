package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetenvDefault(t *testing.T) {
	t.Setenv("TSPROTO_TEST_VALUE", "")
	assert.Equal(t, "fallback", GetenvDefault("TSPROTO_TEST_VALUE", "fallback"))

	t.Setenv("TSPROTO_TEST_VALUE", "set")
	assert.Equal(t, "set", GetenvDefault("TSPROTO_TEST_VALUE", "fallback"))
}

func TestGetenvBool(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", false, false},
		{"", true, true},
		{"1", false, true},
		{"true", false, true},
		{"false", true, false},
		{"nope", true, true},
	}
	for _, c := range cases {
		t.Setenv("TSPROTO_TEST_BOOL", c.value)
		assert.Equal(t, c.want, GetenvBool("TSPROTO_TEST_BOOL", c.def), "value %q", c.value)
	}
}
