package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeaders carries the signature material extracted from an inbound
// delivery. The scheme follows the timestamp-bound HMAC pattern used by
// Stripe and similar providers: HMAC-SHA256(secret, timestamp + "." + body).
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	EventID   string
}

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
	headerEventID   = "X-Webhook-Id"
)

// ExtractSignatureHeaders pulls signature material from HTTP headers.
// Lookup is case-insensitive since proxies rewrite header casing.
func ExtractSignatureHeaders(headers map[string]string) (SignatureHeaders, error) {
	get := func(name string) string {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	sig := SignatureHeaders{
		Signature: get(headerSignature),
		EventID:   get(headerEventID),
	}
	if raw := get(headerTimestamp); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SignatureHeaders{}, fmt.Errorf("%w: bad timestamp %q", ErrMissingSignature, raw)
		}
		sig.Timestamp = ts
	}

	if sig.Signature == "" || sig.Timestamp == 0 {
		return SignatureHeaders{}, ErrMissingSignature
	}
	return sig, nil
}

// VerifySignature checks the delivery's authenticity and freshness. maxAge
// bounds the replay window; a small negative skew tolerates clock drift.
func VerifySignature(secret string, body []byte, sig SignatureHeaders, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}
	if sig.Signature == "" {
		return ErrMissingSignature
	}

	if maxAge > 0 {
		age := now.Sub(time.Unix(sig.Timestamp, 0))
		if age > maxAge {
			return fmt.Errorf("%w: delivery is %s old", ErrStaleTimestamp, age)
		}
		if age < -time.Minute {
			return fmt.Errorf("%w: timestamp is in the future", ErrStaleTimestamp)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", sig.Timestamp, body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPayload produces the signature a provider would attach. Used by tests
// and the local provider simulator.
func SignPayload(secret string, body []byte, eventID string, now time.Time) (SignatureHeaders, map[string]string, error) {
	if secret == "" {
		return SignatureHeaders{}, nil, fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}

	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)

	sig := SignatureHeaders{
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Timestamp: ts,
		EventID:   eventID,
	}
	headers := map[string]string{
		headerSignature: sig.Signature,
		headerTimestamp: strconv.FormatInt(ts, 10),
		headerEventID:   eventID,
	}
	return sig, headers, nil
}
