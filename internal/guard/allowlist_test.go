package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowList(t *testing.T) {
	list, err := ParseAllowList([]string{"203.0.113.0/24", " 198.51.100.10 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	assert.True(t, list.Enabled())

	tests := map[string]bool{
		"203.0.113.7":        true,
		"203.0.114.7":        false,
		"198.51.100.10":      true,
		"198.51.100.11":      false,
		"::ffff:203.0.113.9": true,
		"2001:db8::1":        true,
		"2001:db9::1":        false,
		"not-an-ip":          false,
	}
	for ip, want := range tests {
		assert.Equal(t, want, list.Allowed(ip), ip)
	}
}

func TestAllowList_EmptyAllowsAll(t *testing.T) {
	list, err := ParseAllowList(nil)
	require.NoError(t, err)
	assert.False(t, list.Enabled())
	assert.True(t, list.Allowed("192.0.2.1"))

	var nilList *AllowList
	assert.True(t, nilList.Allowed("192.0.2.1"))
}

func TestAllowList_InvalidEntry(t *testing.T) {
	_, err := ParseAllowList([]string{"300.1.1.1"})
	assert.Error(t, err)

	_, err = ParseAllowList([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
