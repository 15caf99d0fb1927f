package s3multipart

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2020, 3, 1, 12, 30, 45, 0, time.UTC)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestCanonicalRequestMinimal(t *testing.T) {
	cr, payloadHash, signedHeaders, err := CanonicalRequest(
		"GET", "s3-eu-central-1.amazonaws.com", testTime, "/bucket/key", nil, nil, true, nil)
	require.NoError(t, err)

	want := strings.Join([]string{
		"GET",
		"/bucket/key",
		"",
		"host:s3-eu-central-1.amazonaws.com\nx-amz-date:20200301T123045Z\n",
		"host;x-amz-date",
		emptySHA256,
	}, "\n")
	assert.Equal(t, want, cr)
	assert.Equal(t, emptySHA256, payloadHash)
	assert.Equal(t, "host;x-amz-date", signedHeaders)
}

func TestCanonicalRequestHostNormalized(t *testing.T) {
	cr, _, _, err := CanonicalRequest("GET", "  S3.Example.COM ", testTime, "/", nil, nil, true, nil)
	require.NoError(t, err)
	assert.Contains(t, cr, "host:s3.example.com\n")
}

func TestCanonicalRequestPayloadAvalanche(t *testing.T) {
	body := []byte("the quick brown fox")
	crA, hashA, _, err := CanonicalRequest("PUT", "host", testTime, "/b/k", nil, body, true, nil)
	require.NoError(t, err)

	mutated := append([]byte(nil), body...)
	mutated[0] ^= 0x01
	crB, hashB, _, err := CanonicalRequest("PUT", "host", testTime, "/b/k", nil, mutated, true, nil)
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
	assert.NotEqual(t, SigningString(testTime, crA, "eu-central-1", "s3"), SigningString(testTime, crB, "eu-central-1", "s3"))

	// only the payload hash line differs
	linesA := strings.Split(crA, "\n")
	linesB := strings.Split(crB, "\n")
	require.Equal(t, len(linesA), len(linesB))
	assert.Equal(t, linesA[:len(linesA)-1], linesB[:len(linesB)-1])
}

func TestCanonicalRequestUnsignedPayload(t *testing.T) {
	for _, body := range [][]byte{nil, {}, []byte("anything at all")} {
		_, payloadHash, _, err := CanonicalRequest("PUT", "host", testTime, "/b/k", nil, body, false, nil)
		require.NoError(t, err)
		assert.Equal(t, "UNSIGNED-PAYLOAD", payloadHash)
	}
}

func TestCanonicalRequestExtraHeadersSorted(t *testing.T) {
	extra := map[string]string{
		"content-md5":  "Zm9v",
		"content-type": "application/xml; charset=UTF-8",
	}
	cr, _, signedHeaders, err := CanonicalRequest("POST", "host", testTime, "/b/k", nil, nil, true, extra)
	require.NoError(t, err)
	assert.Equal(t, "content-md5;content-type;host;x-amz-date", signedHeaders)
	assert.Contains(t, cr, "content-md5:Zm9v\ncontent-type:application/xml; charset=UTF-8\nhost:host\n")
}

func TestCanonicalRequestQueryEncoding(t *testing.T) {
	params := []QueryParam{
		{Name: "partNumber", Value: "7"},
		{Name: "uploadId", Value: "a b+c"},
	}
	cr, _, _, err := CanonicalRequest("PUT", "host", testTime, "/b/k", params, nil, false, nil)
	require.NoError(t, err)
	assert.Contains(t, cr, "partNumber=7&uploadId=a+b%2Bc")
}

func TestCanonicalRequestRejectsUnsortedParams(t *testing.T) {
	params := []QueryParam{
		{Name: "uploadId", Value: "U1"},
		{Name: "partNumber", Value: "1"},
	}
	_, _, _, err := CanonicalRequest("PUT", "host", testTime, "/b/k", params, nil, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sorted")
}

func TestCanonicalRequestRejectsUnknownMethod(t *testing.T) {
	_, _, _, err := CanonicalRequest("PATCH", "host", testTime, "/b/k", nil, nil, true, nil)
	require.Error(t, err)
	_, _, _, err = CanonicalRequest("get", "host", testTime, "/b/k", nil, nil, true, nil)
	require.Error(t, err)
}

func TestSigningString(t *testing.T) {
	cr, _, _, err := CanonicalRequest("GET", "host", testTime, "/b/k", nil, nil, true, nil)
	require.NoError(t, err)

	s := SigningString(testTime, cr, "eu-central-1", "s3")
	lines := strings.Split(s, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "AWS4-HMAC-SHA256", lines[0])
	assert.Equal(t, "20200301T123045Z", lines[1])
	assert.Equal(t, "20200301/eu-central-1/s3/aws4_request", lines[2])

	sum := sha256.Sum256([]byte(cr))
	assert.Equal(t, hex.EncodeToString(sum[:]), lines[3])
}

func TestAccessKeyFromSignedURL(t *testing.T) {
	u := "https://s3-eu-central-1.amazonaws.com/bucket/thumb.jpg" +
		"?X-Amz-Algorithm=AWS4-HMAC-SHA256" +
		"&X-Amz-Credential=AKIAEXAMPLE%2F20200301%2Feu-central-1%2Fs3%2Faws4_request" +
		"&X-Amz-Signature=abc"
	key, err := AccessKeyFromSignedURL(u)
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", key)

	_, err = AccessKeyFromSignedURL("https://example.com/thumb.jpg?X-Amz-Signature=abc")
	require.Error(t, err)
}
