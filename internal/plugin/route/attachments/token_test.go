package attachments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadToken_RoundTrip(t *testing.T) {
	key := []byte("primary-key")
	expires := time.Now().Add(5 * time.Minute)

	token := signDownloadToken("conversation-42/abc.pdf", key, expires)
	path, ok := verifyDownloadToken(token, [][]byte{key}, time.Now())
	require.True(t, ok)
	assert.Equal(t, "conversation-42/abc.pdf", path)
}

func TestDownloadToken_Expired(t *testing.T) {
	key := []byte("primary-key")
	token := signDownloadToken("conversation-42/abc.pdf", key, time.Now().Add(-time.Minute))

	_, ok := verifyDownloadToken(token, [][]byte{key}, time.Now())
	assert.False(t, ok)
}

func TestDownloadToken_WrongKeyRejected(t *testing.T) {
	token := signDownloadToken("conversation-42/abc.pdf", []byte("primary-key"), time.Now().Add(time.Minute))

	_, ok := verifyDownloadToken(token, [][]byte{[]byte("other-key")}, time.Now())
	assert.False(t, ok)
}

func TestDownloadToken_LegacyKeyStillVerifies(t *testing.T) {
	legacy := []byte("legacy-key")
	token := signDownloadToken("conversation-42/abc.pdf", legacy, time.Now().Add(time.Minute))

	// Rotation: new primary first, old key kept for verification.
	path, ok := verifyDownloadToken(token, [][]byte{[]byte("new-primary"), legacy}, time.Now())
	require.True(t, ok)
	assert.Equal(t, "conversation-42/abc.pdf", path)
}

func TestDownloadToken_MalformedShapes(t *testing.T) {
	keys := [][]byte{[]byte("primary-key")}

	for _, token := range []string{
		"",
		"nodot",
		"too.many.dots",
		"!!!.sig",
		"cGF5bG9hZA.sig", // payload missing the expiry field
	} {
		_, ok := verifyDownloadToken(token, keys, time.Now())
		assert.False(t, ok, "token %q should be rejected", token)
	}
}
