// Package otp derives and verifies one-time codes without storing
// anything. A code is a pure function of (secret, identity, purpose,
// time window); verification recomputes it for the current and the
// previous window, so a code stays valid for at least one full expiry
// period and at most two. There is no revocation: the only mitigations
// are the short window and rate limiting at the caller.
package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Service struct {
	secret []byte
	expiry time.Duration
	digits int
	now    func() time.Time
}

type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func NewService(secret []byte, expiry time.Duration, digits int) *Service {
	return &Service{secret: secret, expiry: expiry, digits: digits, now: time.Now}
}

// Generate returns the code for (identity, purpose) in the current
// time window. Identity is case-insensitive.
func (s *Service) Generate(identity, purpose string) string {
	return s.generateAt(identity, purpose, s.window())
}

// Verify checks a candidate against the current window and the one
// before it, in constant time. The previous-window grace keeps a code
// issued just before a window boundary usable.
func (s *Service) Verify(identity, candidate, purpose string) Result {
	window := s.window()

	current := s.generateAt(identity, purpose, window)
	if secureEqual(candidate, current) {
		return Result{Valid: true, Reason: "code verified successfully"}
	}

	previous := s.generateAt(identity, purpose, window-1)
	if secureEqual(candidate, previous) {
		return Result{Valid: true, Reason: "code verified successfully"}
	}

	return Result{Valid: false, Reason: "invalid or expired code"}
}

// ExpiresIn reports how long the code for the current window remains
// the freshest one.
func (s *Service) ExpiresIn() time.Duration {
	windowMs := s.expiry.Milliseconds()
	elapsed := s.now().UnixMilli() % windowMs
	return time.Duration(windowMs-elapsed) * time.Millisecond
}

func (s *Service) window() int64 {
	return s.now().UnixMilli() / s.expiry.Milliseconds()
}

func (s *Service) generateAt(identity, purpose string, window int64) string {
	data := fmt.Sprintf("%s:%s:%d", strings.ToLower(identity), purpose, window)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	digest := hex.EncodeToString(mac.Sum(nil))

	// Keep only the decimal digits of the hex digest, left-padded when
	// the digest is unusually letter-heavy.
	var b strings.Builder
	for _, c := range digest {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
			if b.Len() == s.digits {
				break
			}
		}
	}
	code := b.String()
	for len(code) < s.digits {
		code = "0" + code
	}
	return code
}

func secureEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
