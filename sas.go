package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

// SharedAccessSignature returns a token granting access to resourceURI until expiry,
// signed with the base64-encoded key.
func SharedAccessSignature(resourceURI, key string, expiry time.Time) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("iothub: shared access key is not base64: %w", err)
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%ssr=%s&sig=%s&se=%s", sasPrefix, sr, url.QueryEscape(sig), se), nil
}

// sasExpiry returns the expiry encoded in a shared access signature.
func sasExpiry(token string) (time.Time, bool) {
	if !strings.HasPrefix(token, sasPrefix) {
		return time.Time{}, false
	}
	q, err := url.ParseQuery(strings.TrimPrefix(token, sasPrefix))
	if err != nil {
		return time.Time{}, false
	}
	se, err := strconv.ParseInt(q.Get("se"), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(se, 0), true
}
