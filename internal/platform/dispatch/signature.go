// Package dispatch delivers alert events to webhook consumers: it turns bus
// events into durable notification rows, drains the queue with a worker
// pool, signs every payload, and records one delivery row per attempt.
package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Headers set on every outgoing delivery.
const (
	HeaderSignature = "X-CareSignal-Signature"
	HeaderEvent     = "X-CareSignal-Event"
	HeaderDelivery  = "X-CareSignal-Delivery"
	HeaderTimestamp = "X-CareSignal-Timestamp"
)

// SignPayload computes the hex-encoded HMAC-SHA256 of the payload under the
// shared secret. The signature header carries it as "sha256=<hex>".
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received body against the full signature header
// value ("sha256=<hex>") in constant time. Consumers call this to
// authenticate deliveries.
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}
