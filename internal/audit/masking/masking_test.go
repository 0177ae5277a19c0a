package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "iap_****cdef", MaskSecret("iap_0123456789abcdef"))
}

func TestMaskJSONOnlyMasksSensitiveKeys(t *testing.T) {
	masked := MaskJSON(map[string]any{
		"product_id": "apple_appstore_yearly",
		"password":   "hunter22",
		"nested":     map[string]any{"token": "iap_0123456789"},
		"count":      3,
	})
	assert.Equal(t, "apple_appstore_yearly", masked["product_id"])
	assert.Equal(t, "****er22", masked["password"])
	assert.Equal(t, map[string]any{"token": "iap_****6789"}, masked["nested"])
	assert.Equal(t, 3, masked["count"])
	assert.Nil(t, MaskJSON(nil))
}
