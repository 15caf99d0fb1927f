// cqsign prints the SigV4 signing artifacts for one image store request so
// they can be compared against what the platform's signing endpoint returns.
// With -secret-key it also computes the signature locally and emits a ready
// to run curl command.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/slidepath/concentriq-go/s3multipart"
)

func main() {
	host := flag.String("host", "s3-eu-central-1.amazonaws.com", "image store host")
	region := flag.String("region", "eu-central-1", "AWS region")
	bucket := flag.String("bucket", "concentriq-image-store", "bucket name")
	key := flag.String("key", "", "object key (the image storage key)")
	accessKey := flag.String("access-key", os.Getenv("S3_ACCESS_KEY"), "access key id")
	secretKey := flag.String("secret-key", os.Getenv("S3_SECRET_KEY"), "secret key (optional, enables local signing)")
	phase := flag.String("phase", "create", "upload phase: create, part, complete, abort")
	partNumber := flag.Int("part", 1, "part number (for -phase part)")
	uploadID := flag.String("upload-id", "", "upload id (for part/complete/abort)")
	flag.Parse()

	if *key == "" || *accessKey == "" {
		fmt.Fprintln(os.Stderr, "Usage: cqsign -key STORAGE_KEY -access-key KEY [-secret-key SECRET] [-phase create|part|complete|abort]")
		fmt.Fprintln(os.Stderr, "\nEnvironment variables: S3_ACCESS_KEY, S3_SECRET_KEY")
		os.Exit(1)
	}

	var method string
	var params []s3multipart.QueryParam
	switch *phase {
	case "create":
		method = "POST"
		params = []s3multipart.QueryParam{{Name: "uploads"}}
	case "part":
		method = "PUT"
		params = []s3multipart.QueryParam{
			{Name: "partNumber", Value: strconv.Itoa(*partNumber)},
			{Name: "uploadId", Value: *uploadID},
		}
	case "complete":
		method = "POST"
		params = []s3multipart.QueryParam{{Name: "uploadId", Value: *uploadID}}
	case "abort":
		method = "DELETE"
		params = []s3multipart.QueryParam{{Name: "uploadId", Value: *uploadID}}
	default:
		fmt.Fprintf(os.Stderr, "Unknown phase: %s\n", *phase)
		os.Exit(1)
	}
	if *phase != "create" && *uploadID == "" {
		fmt.Fprintln(os.Stderr, "-upload-id is required for this phase")
		os.Exit(1)
	}

	ts := time.Now().UTC()
	uri := "/" + *bucket + "/" + *key
	hashPayload := *phase != "part"

	canonicalRequest, payloadHash, signedHeaders, err := s3multipart.CanonicalRequest(
		method, *host, ts, uri, params, nil, hashPayload, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	signingString := s3multipart.SigningString(ts, canonicalRequest, *region, "s3")

	fmt.Println("# canonical request")
	fmt.Println(canonicalRequest)
	fmt.Println()
	fmt.Println("# signing string")
	fmt.Println(signingString)
	fmt.Println()
	fmt.Println("# signing endpoint parameters")
	fmt.Printf("payload=%s\n", url.QueryEscape(signingString))
	fmt.Printf("nonce=%s\n", ts.Format("20060102T150405Z"))

	if *secretKey == "" {
		return
	}

	signature := signV4(*secretKey, ts, *region, signingString)
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", ts.Format("20060102"), *region)

	fmt.Println()
	fmt.Println("# curl")
	fmt.Printf("curl -v -X %s \\\n", method)
	fmt.Printf("  -H 'x-amz-date: %s' \\\n", ts.Format("20060102T150405Z"))
	fmt.Printf("  -H 'x-amz-content-sha256: %s' \\\n", payloadHash)
	fmt.Printf("  -H 'Authorization: AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s' \\\n",
		*accessKey, scope, signedHeaders, signature)
	fmt.Printf("  'https://%s%s?%s'\n", *host, uri, queryString(params))
}

// signV4 runs the SigV4 key derivation chain locally. The platform performs
// the same steps server-side when answering the signing endpoint.
func signV4(secretKey string, ts time.Time, region, signingString string) string {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), ts.Format("20060102"))
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	return hex.EncodeToString(hmacSHA256(kSigning, signingString))
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func queryString(params []s3multipart.QueryParam) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}
