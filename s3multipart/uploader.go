package s3multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultService = "s3"
	defaultRegion  = "eu-central-1"
	defaultBucket  = "concentriq-image-store"
)

// SigningRequest is the parameter set handed to the external signing
// endpoint: the URL-quoted signing string, a nonce (the request timestamp in
// amz-date format) and the raw canonical request text.
type SigningRequest struct {
	Payload          string
	Nonce            string
	CanonicalRequest string
}

// Values returns the parameters in the wire form the Concentriq signing
// endpoint expects.
func (r SigningRequest) Values() url.Values {
	return url.Values{
		"payload":          {r.Payload},
		"nonce":            {r.Nonce},
		"canonicalRequest": {r.CanonicalRequest},
	}
}

// SignFunc obtains a SigV4 signature for a signing request from whoever
// holds the secret key. It must return a non-empty hex signature; an error
// aborts the phase that requested it, with no retry.
type SignFunc func(SigningRequest) (string, error)

// BackendContractError reports a storage backend response that does not
// match the multipart upload protocol: wrong XML root, unexpected element
// set, a bucket/key echo differing from the request, or a missing ETag.
// It is kept distinct from transport errors because it signals integration
// drift rather than a transient fault.
type BackendContractError struct {
	Op     string
	Detail string
}

func (e *BackendContractError) Error() string {
	return fmt.Sprintf("%s: backend contract violation: %s", e.Op, e.Detail)
}

// Part records one successfully uploaded chunk: its 1-based part number and
// the content-integrity tag returned by the backend.
type Part struct {
	Number int
	ETag   string
}

// Uploader drives the three-phase multipart upload (initiate, upload parts,
// complete) against the Concentriq image store. It holds no secret key, only
// the access key id embedded in the Authorization header; signatures come
// from the SignFunc passed to each phase.
//
// Phases are strictly sequential. A failure mid-sequence leaves the remote
// upload open; call AbortMultipartUpload to discard it.
type Uploader struct {
	accessKey string
	service   string
	region    string
	bucket    string
	endpoint  string
	client    *http.Client
	now       func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithEndpoint overrides the default https://{service}-{region}.amazonaws.com
// endpoint. The endpoint host is what gets signed.
func WithEndpoint(endpoint string) Option {
	return func(u *Uploader) { u.endpoint = strings.TrimSuffix(endpoint, "/") }
}

// WithBucket overrides the default image store bucket.
func WithBucket(bucket string) Option {
	return func(u *Uploader) { u.bucket = bucket }
}

// WithRegion overrides the default region.
func WithRegion(region string) Option {
	return func(u *Uploader) { u.region = region }
}

// WithHTTPClient sets the HTTP client used for the upload calls. Timeout
// policy belongs to this client; the uploader does not impose one.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Uploader) { u.client = client }
}

// New creates an Uploader for the given access key id.
func New(accessKey string, opts ...Option) *Uploader {
	u := &Uploader{
		accessKey: accessKey,
		service:   defaultService,
		region:    defaultRegion,
		bucket:    defaultBucket,
		client:    &http.Client{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.endpoint == "" {
		u.endpoint = fmt.Sprintf("https://%s-%s.amazonaws.com", u.service, u.region)
	}
	return u
}

// FromSignedThumbURL creates an Uploader using the access key id found in a
// pre-signed thumbnail URL. This mirrors what the web uploader does; the
// platform offers no dedicated credential endpoint.
func FromSignedThumbURL(signedURL string, opts ...Option) (*Uploader, error) {
	accessKey, err := AccessKeyFromSignedURL(signedURL)
	if err != nil {
		return nil, err
	}
	return New(accessKey, opts...), nil
}

// CreateMultipartUpload initiates a multipart upload for key and returns the
// backend-assigned upload id.
func (u *Uploader) CreateMultipartUpload(ctx context.Context, key string, sign SignFunc) (string, error) {
	const op = "create multipart upload"
	params := []QueryParam{{Name: "uploads"}}

	headers, err := u.authorize(http.MethodPost, key, params, nil, true, nil, sign)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	body, _, err := u.do(ctx, http.MethodPost, key, params, nil, headers)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	root, fields, err := parseXMLResult(body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !strings.HasSuffix(root, "InitiateMultipartUploadResult") {
		return "", &BackendContractError{Op: op, Detail: fmt.Sprintf("unexpected root element %q", root)}
	}
	if err := expectFields(op, fields, "Bucket", "Key", "UploadId"); err != nil {
		return "", err
	}
	if err := u.checkEcho(op, fields, key); err != nil {
		return "", err
	}
	if fields["UploadId"] == "" {
		return "", &BackendContractError{Op: op, Detail: "empty UploadId"}
	}
	return fields["UploadId"], nil
}

// UploadPart uploads one chunk and returns its ETag. Part numbers are
// assigned by the caller as 1-based sequential integers matching chunk
// order; the uploader neither reorders nor deduplicates.
//
// The chunk is not SHA-256 hashed into the signature (UNSIGNED-PAYLOAD);
// integrity is covered by the content-md5 header instead.
func (u *Uploader) UploadPart(ctx context.Context, partNumber int, chunk []byte, uploadID, key string, sign SignFunc) (string, error) {
	const op = "upload part"
	if partNumber < 1 {
		return "", fmt.Errorf("%s: part number must be positive, got %d", op, partNumber)
	}
	if uploadID == "" {
		return "", fmt.Errorf("%s: empty upload id", op)
	}
	// alphabetical: partNumber < uploadId
	params := []QueryParam{
		{Name: "partNumber", Value: strconv.Itoa(partNumber)},
		{Name: "uploadId", Value: uploadID},
	}
	sum := md5.Sum(chunk)
	extra := map[string]string{
		"content-md5": base64.StdEncoding.EncodeToString(sum[:]),
	}

	headers, err := u.authorize(http.MethodPut, key, params, chunk, false, extra, sign)
	if err != nil {
		return "", fmt.Errorf("%s %d: %w", op, partNumber, err)
	}
	_, resp, err := u.do(ctx, http.MethodPut, key, params, chunk, headers)
	if err != nil {
		return "", fmt.Errorf("%s %d: %w", op, partNumber, err)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &BackendContractError{Op: op, Detail: fmt.Sprintf("part %d response has no ETag header", partNumber)}
	}
	return etag, nil
}

// CompleteMultipartUpload finalizes the upload with the part manifest and
// returns the final ETag. Parts must be supplied in ascending part-number
// order; the manifest is sent exactly as given.
func (u *Uploader) CompleteMultipartUpload(ctx context.Context, parts []Part, uploadID, key string, sign SignFunc) (string, error) {
	const op = "complete multipart upload"
	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no parts", op)
	}
	if uploadID == "" {
		return "", fmt.Errorf("%s: empty upload id", op)
	}
	params := []QueryParam{{Name: "uploadId", Value: uploadID}}
	body := completeRequestXML(parts)
	extra := map[string]string{
		"content-type": "application/xml; charset=UTF-8",
	}

	headers, err := u.authorize(http.MethodPost, key, params, body, true, extra, sign)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	respBody, _, err := u.do(ctx, http.MethodPost, key, params, body, headers)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	root, fields, err := parseXMLResult(respBody)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !strings.HasSuffix(root, "CompleteMultipartUploadResult") {
		return "", &BackendContractError{Op: op, Detail: fmt.Sprintf("unexpected root element %q", root)}
	}
	if err := expectFields(op, fields, "Location", "Bucket", "Key", "ETag"); err != nil {
		return "", err
	}
	if err := u.checkEcho(op, fields, key); err != nil {
		return "", err
	}
	if fields["ETag"] == "" {
		return "", &BackendContractError{Op: op, Detail: "empty ETag"}
	}
	return fields["ETag"], nil
}

// AbortMultipartUpload discards an in-progress upload so the backend can
// reclaim the already-uploaded parts. The web uploader never aborts, which
// leaves orphaned uploads behind on failure; this fills that gap.
func (u *Uploader) AbortMultipartUpload(ctx context.Context, uploadID, key string, sign SignFunc) error {
	const op = "abort multipart upload"
	if uploadID == "" {
		return fmt.Errorf("%s: empty upload id", op)
	}
	params := []QueryParam{{Name: "uploadId", Value: uploadID}}

	headers, err := u.authorize(http.MethodDelete, key, params, nil, true, nil, sign)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, _, err := u.do(ctx, http.MethodDelete, key, params, nil, headers); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// VerifyCompletedETag checks a final ETag against the md5-of-part-md5s
// convention ("{md5(md5_1 .. md5_n)}-{n}"). The backend does not document
// this format, so a mismatch is advisory rather than proof of corruption.
func VerifyCompletedETag(parts []Part, finalETag string) error {
	h := md5.New()
	for _, p := range parts {
		raw, err := hex.DecodeString(strings.Trim(p.ETag, `"`))
		if err != nil {
			return fmt.Errorf("part %d etag %q is not a hex md5: %w", p.Number, p.ETag, err)
		}
		h.Write(raw)
	}
	want := fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts))
	if got := strings.Trim(finalETag, `"`); got != want {
		return fmt.Errorf("final etag %q does not match computed %q", got, want)
	}
	return nil
}

// authorize builds the canonical request for one phase, obtains the
// signature through the callback and assembles the request headers.
func (u *Uploader) authorize(method, key string, params []QueryParam, body []byte, hashPayload bool, extra map[string]string, sign SignFunc) (http.Header, error) {
	ts := u.now()
	uri := "/" + u.bucket + "/" + key

	canonicalRequest, payloadHash, signedHeaders, err := CanonicalRequest(method, u.signingHost(), ts, uri, params, body, hashPayload, extra)
	if err != nil {
		return nil, err
	}
	signingString := SigningString(ts, canonicalRequest, u.region, u.service)

	signature, err := sign(SigningRequest{
		Payload:          url.QueryEscape(signingString),
		Nonce:            ts.Format(timeFormat),
		CanonicalRequest: canonicalRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("signing callback: %w", err)
	}
	if signature == "" {
		return nil, fmt.Errorf("signing callback returned an empty signature")
	}

	headers := make(http.Header)
	headers.Set("x-amz-date", ts.Format(timeFormat))
	headers.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, u.accessKey, credentialScope(ts, u.region, u.service), signedHeaders, signature))
	headers.Set("x-amz-content-sha256", payloadHash)
	for name, value := range extra {
		headers.Set(name, value)
	}
	return headers, nil
}

// do issues the phase HTTP call. The query string is built with the same
// encoder as the canonical query string so the wire request matches what
// was signed.
func (u *Uploader) do(ctx context.Context, method, key string, params []QueryParam, body []byte, headers http.Header) ([]byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.targetURL(key), reader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = canonicalQueryString(params)
	req.Header = headers
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, firstLine(respBody))
	}
	return respBody, resp, nil
}

func (u *Uploader) targetURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, key)
}

func (u *Uploader) signingHost() string {
	if parsed, err := url.Parse(u.endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return u.endpoint
}

func (u *Uploader) checkEcho(op string, fields map[string]string, key string) error {
	if fields["Bucket"] != u.bucket {
		return &BackendContractError{Op: op, Detail: fmt.Sprintf("bucket %q does not match %q", fields["Bucket"], u.bucket)}
	}
	if fields["Key"] != key {
		return &BackendContractError{Op: op, Detail: fmt.Sprintf("key %q does not match %q", fields["Key"], key)}
	}
	return nil
}

type completeUploadManifest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []manifestPart `xml:"Part"`
}

type manifestPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

func completeRequestXML(parts []Part) []byte {
	manifest := completeUploadManifest{Parts: make([]manifestPart, 0, len(parts))}
	for _, p := range parts {
		manifest.Parts = append(manifest.Parts, manifestPart{PartNumber: p.Number, ETag: p.ETag})
	}
	// completeUploadManifest marshals without error
	body, _ := xml.Marshal(manifest)
	return append([]byte(xml.Header), body...)
}

// parseXMLResult returns the local name of the root element and a map of its
// direct children's local names to their text content. Namespace prefixes
// are dropped so matching works for namespaced and plain responses alike.
func parseXMLResult(data []byte) (string, map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root string
	fields := make(map[string]string)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("parse response xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if root == "" {
			root = start.Name.Local
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return "", nil, fmt.Errorf("parse response xml: %w", err)
		}
		fields[start.Name.Local] = text
	}
	if root == "" {
		return "", nil, fmt.Errorf("parse response xml: empty document")
	}
	return root, fields, nil
}

func expectFields(op string, fields map[string]string, want ...string) error {
	ok := len(fields) == len(want)
	if ok {
		for _, name := range want {
			if _, present := fields[name]; !present {
				ok = false
				break
			}
		}
	}
	if !ok {
		got := make([]string, 0, len(fields))
		for name := range fields {
			got = append(got, name)
		}
		sort.Strings(got)
		return &BackendContractError{
			Op:     op,
			Detail: fmt.Sprintf("response elements %v, want %v", got, want),
		}
	}
	return nil
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
