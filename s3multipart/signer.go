// Package s3multipart implements the S3 multipart upload flow used by the
// Concentriq web uploader.
//
// Signed requests against the image store can only be produced through the
// Concentriq signing endpoint, which keeps the AWS secret key server-side.
// The AWS SDK therefore cannot be used: the Signature Version 4 canonical
// request and signing string are built locally, and the final HMAC signature
// is obtained through a SignFunc callback supplied by the caller.
package s3multipart

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	terminationStr  = "aws4_request"
	timeFormat      = "20060102T150405Z"
	dateFormat      = "20060102"
	unsignedPayload = "UNSIGNED-PAYLOAD"
)

// QueryParam is a single canonical query parameter.
//
// Callers must supply parameters already sorted by name. CanonicalRequest
// rejects unsorted input instead of re-sorting: silently fixing the order
// would mask a caller bug that breaks the remote signature comparison.
type QueryParam struct {
	Name  string
	Value string
}

// CanonicalRequest builds the SigV4 canonical request text for one HTTP
// operation. It returns the canonical request, the payload hash that was
// embedded in it, and the signed header list.
//
// The header set always contains host and x-amz-date; extra headers are
// merged in before sorting. When hashPayload is false the payload hash is
// the UNSIGNED-PAYLOAD sentinel regardless of body content.
func CanonicalRequest(method, host string, ts time.Time, uri string, params []QueryParam, body []byte, hashPayload bool, extra map[string]string) (canonicalRequest, payloadHash, signedHeaders string, err error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return "", "", "", fmt.Errorf("method %q cannot be signed", method)
	}
	if !sort.SliceIsSorted(params, func(i, j int) bool { return params[i].Name < params[j].Name }) {
		return "", "", "", fmt.Errorf("query parameters must be sorted by name")
	}

	amzDate := ts.Format(timeFormat)
	headers := map[string]string{
		"host":       strings.ToLower(strings.TrimSpace(host)),
		"x-amz-date": amzDate,
	}
	for name, value := range extra {
		headers[name] = value
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var headerBlock strings.Builder
	for _, name := range names {
		headerBlock.WriteString(strings.ToLower(name))
		headerBlock.WriteString(":")
		headerBlock.WriteString(headers[name])
		headerBlock.WriteString("\n")
	}
	signedHeaders = strings.Join(names, ";")

	if hashPayload {
		payloadHash = hashSHA256(body)
	} else {
		payloadHash = unsignedPayload
	}

	canonicalRequest = strings.Join([]string{
		method,
		uri,
		canonicalQueryString(params),
		headerBlock.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
	return canonicalRequest, payloadHash, signedHeaders, nil
}

// SigningString derives the text that is handed to the signing endpoint:
// algorithm, timestamp, credential scope and the digest of the canonical
// request. Deterministic for identical inputs, which matters because the
// remote signer reconstructs the same string independently.
func SigningString(ts time.Time, canonicalRequest, region, service string) string {
	return strings.Join([]string{
		algorithm,
		ts.Format(timeFormat),
		credentialScope(ts, region, service),
		hashSHA256([]byte(canonicalRequest)),
	}, "\n")
}

func credentialScope(ts time.Time, region, service string) string {
	return fmt.Sprintf("%s/%s/%s/%s", ts.Format(dateFormat), region, service, terminationStr)
}

func canonicalQueryString(params []QueryParam) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// AccessKeyFromSignedURL extracts the access key id from a pre-signed URL's
// X-Amz-Credential parameter ({accessKeyId}/{date}/{region}/{service}/aws4_request).
// The Concentriq thumbnail URLs carry the same key the web uploader uses.
func AccessKeyFromSignedURL(signedURL string) (string, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return "", fmt.Errorf("parse signed url: %w", err)
	}
	credential := u.Query().Get("X-Amz-Credential")
	if credential == "" {
		return "", fmt.Errorf("signed url has no X-Amz-Credential parameter")
	}
	accessKey, _, _ := strings.Cut(credential, "/")
	if accessKey == "" {
		return "", fmt.Errorf("malformed X-Amz-Credential %q", credential)
	}
	return accessKey, nil
}

func hashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
