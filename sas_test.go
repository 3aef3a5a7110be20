package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedAccessSignature(t *testing.T) {
	expiry := time.Unix(1700000000, 0)

	got, err := SharedAccessSignature("myhub.azure-devices.net/devices/foo", "c2VjcmV0", expiry)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("myhub.azure-devices.net%2Fdevices%2Ffoo\n1700000000"))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	want := "SharedAccessSignature sr=myhub.azure-devices.net%2Fdevices%2Ffoo&sig=" + sig + "&se=1700000000"
	assert.Equal(t, want, got)
}

func TestSharedAccessSignatureBadKey(t *testing.T) {
	_, err := SharedAccessSignature("h/devices/d", "not base64!", time.Now())
	assert.Error(t, err)
}

func TestSASExpiry(t *testing.T) {
	expiry := time.Unix(1700000000, 0)
	token, err := SharedAccessSignature("h/devices/d", "c2VjcmV0", expiry)
	require.NoError(t, err)

	got, ok := sasExpiry(token)
	require.True(t, ok)
	assert.True(t, got.Equal(expiry))

	for _, bad := range []string{"", "Bearer abc", "SharedAccessSignature sr=x&se=soon"} {
		_, ok := sasExpiry(bad)
		assert.False(t, ok, "token %q", bad)
	}
}
