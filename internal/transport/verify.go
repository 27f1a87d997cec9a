package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// replayWindow bounds how stale a signed timestamp may be.
const replayWindow = 5 * time.Minute

// SignHMAC computes the v0 webhook signature over "v0:<timestamp>:<body>".
func SignHMAC(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a v0 signature and rejects replays outside the window.
func VerifyHMAC(secret, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return fmt.Errorf("signature timestamp outside replay window")
	}

	expected := SignHMAC(secret, timestamp, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyBearer checks an Authorization header against a shared secret.
func VerifyBearer(header, secret string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// SignGitHub computes the sha256 body signature GitHub sends in
// X-Hub-Signature-256.
func SignGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitHub checks an X-Hub-Signature-256 header.
func VerifyGitHub(secret, signature string, body []byte) bool {
	expected := SignGitHub(secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
