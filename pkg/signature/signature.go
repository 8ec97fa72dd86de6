// Package signature authenticates webhook deliveries. Every function is pure:
// the caller supplies the secret, the exact request bytes and the presented
// signature. An empty secret or signature is always a rejection.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrMissingSecret          = errors.New("signing secret is not configured")
	ErrMissingSignature       = errors.New("signature header is missing")
	ErrInvalidSignature       = errors.New("signature does not match")
	ErrInvalidTimestamp       = errors.New("request timestamp is missing or malformed")
	ErrTimestampOutsideWindow = errors.New("request timestamp is outside the replay window")
)

const (
	githubPrefix = "sha256="
	slackVersion = "v0"

	// DefaultSlackWindow is the replay window Slack documents for its signatures.
	DefaultSlackWindow = 5 * time.Minute
)

func sum(h func() hash.Hash, secret string, parts ...[]byte) []byte {
	mac := hmac.New(h, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func precheck(secret, header string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if header == "" {
		return ErrMissingSignature
	}
	return nil
}

func equal(expected, presented string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyGitHub checks an X-Hub-Signature-256 header.
func VerifyGitHub(secret string, body []byte, header string) error {
	if err := precheck(secret, header); err != nil {
		return err
	}
	return equal(githubPrefix+hex.EncodeToString(sum(sha256.New, secret, body)), header)
}

// VerifySlack checks X-Slack-Signature. The timestamp window is enforced before
// any HMAC is computed.
func VerifySlack(secret string, body []byte, timestamp, header string, now time.Time, window time.Duration) error {
	if err := precheck(secret, header); err != nil {
		return err
	}
	if window <= 0 {
		window = DefaultSlackWindow
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return ErrTimestampOutsideWindow
	}

	base := []byte(slackVersion + ":" + timestamp + ":")
	expected := slackVersion + "=" + hex.EncodeToString(sum(sha256.New, secret, base, body))
	return equal(expected, header)
}

// VerifyAsana checks an X-Hook-Signature header, hex HMAC-SHA256 of the body.
func VerifyAsana(secret string, body []byte, header string) error {
	if err := precheck(secret, header); err != nil {
		return err
	}
	return equal(hex.EncodeToString(sum(sha256.New, secret, body)), header)
}

// VerifyTrello checks X-Trello-Webhook, base64 HMAC-SHA1 over the body followed
// by the callback URL the webhook was registered with.
func VerifyTrello(secret string, body []byte, callbackURL, header string) error {
	if err := precheck(secret, header); err != nil {
		return err
	}
	return equal(base64.StdEncoding.EncodeToString(sum(sha1.New, secret, body, []byte(callbackURL))), header)
}

// VerifyStripe checks a Stripe-Signature header and decodes the event. Errors
// from the SDK are returned wrapped in ErrInvalidSignature.
func VerifyStripe(secret string, body []byte, header string, tolerance time.Duration) (stripe.Event, error) {
	if err := precheck(secret, header); err != nil {
		return stripe.Event{}, err
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	event, err := webhook.ConstructEventWithOptions(body, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, errors.Join(ErrInvalidSignature, err)
	}
	return event, nil
}

// VerifyToken compares a shared token presented on the request URL.
func VerifyToken(secret, presented string) error {
	if err := precheck(secret, presented); err != nil {
		return err
	}
	return equal(secret, presented)
}
