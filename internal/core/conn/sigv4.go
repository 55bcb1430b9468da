package conn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"signage-agent/internal/adapters/cognito"
)

// presignWSS builds the SigV4-presigned wss URL for the IoT device gateway.
// The broker authenticates the WebSocket upgrade itself, so the signature
// lives in the query string rather than in headers.
func presignWSS(host, region string, creds cognito.Credentials, now time.Time) string {
	const (
		service = "iotdevicegateway"
		alg     = "AWS4-HMAC-SHA256"
		path    = "/mqtt"
	)
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")
	scope := dateStamp + "/" + region + "/" + service + "/aws4_request"

	query := "X-Amz-Algorithm=" + alg +
		"&X-Amz-Credential=" + url.QueryEscape(creds.AccessKeyID+"/"+scope) +
		"&X-Amz-Date=" + amzDate +
		"&X-Amz-SignedHeaders=host"

	canonical := "GET\n" + path + "\n" + query + "\nhost:" + host + "\n\nhost\n" + sha256Hex(nil)
	toSign := alg + "\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonical))

	key := []byte("AWS4" + creds.SecretKey)
	for _, part := range []string{dateStamp, region, service, "aws4_request"} {
		key = hmacSHA256(key, part)
	}
	signature := hex.EncodeToString(hmacSHA256(key, toSign))

	signed := fmt.Sprintf("wss://%s%s?%s&X-Amz-Signature=%s", host, path, query, signature)
	if creds.SessionToken != "" {
		signed += "&X-Amz-Security-Token=" + url.QueryEscape(creds.SessionToken)
	}
	return signed
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
