package capability

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeID(t *testing.T) {
	cases := map[string]string{
		"company-1_main": "company-1_main",
		"acme/sales 01":  "acme_sales_01",
		" tenant:42 ":    "tenant_42",
		"café":           "caf_",
		"":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeID(in), "input %q", in)
	}
}

func TestRenderDataURL(t *testing.T) {
	out, err := RenderDataURL("2@abc,def,ghi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), raw[:4])

	_, err = RenderDataURL("")
	assert.Error(t, err)
}

func TestEventConstructors(t *testing.T) {
	assert.Equal(t, Event{Kind: EventQR, QR: "p"}, QR("p"))
	assert.Equal(t, EventDisconnected, Disconnected("x").Kind)
	assert.Equal(t, "x", AuthFailure("x").Reason)
	assert.Equal(t, "ready", Ready().Kind.String())
}
