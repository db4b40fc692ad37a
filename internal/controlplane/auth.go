package controlplane

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Signature headers.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// TimestampWindow bounds request clock skew and replay.
const TimestampWindow = 300 * time.Second

// maxBodySize caps authenticated request bodies. The upload payload carries
// base64 of files each capped at 1 MiB, so 8 MiB leaves headroom.
const maxBodySize = 8 << 20

// ComputeSignature produces the request signature: hex of HMAC-SHA256 over
// "{timestamp}.{method}.{path}.{body}". Shared with clients and tests.
func ComputeSignature(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.%s.", timestamp, method, path)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// requireAuth wraps a handler with signature verification. Every rejection
// is an empty-bodied 401; the reason is logged, never revealed to the
// caller. Verification has no side effects, so a rejected write never
// partially executes. An empty secret (loopback-only deployments) disables
// verification.
func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil || len(body) > maxBodySize {
			s.reject(w, "unreadable or oversized body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if s.secret == "" {
			next(w, r, body)
			return
		}

		ts := r.Header.Get(HeaderTimestamp)
		sig := r.Header.Get(HeaderSignature)
		if ts == "" || sig == "" {
			s.reject(w, "missing signature headers")
			return
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			s.reject(w, "malformed timestamp")
			return
		}
		if d := time.Since(time.Unix(unix, 0)); d > TimestampWindow || d < -TimestampWindow {
			s.reject(w, "timestamp outside window")
			return
		}

		want := ComputeSignature(s.secret, ts, r.Method, r.URL.Path, body)
		if !hmac.Equal([]byte(want), []byte(sig)) {
			s.reject(w, "signature mismatch")
			return
		}

		next(w, r, body)
	}
}

func (s *Server) reject(w http.ResponseWriter, reason string) {
	s.logger.Warningf("request rejected: %s", reason)
	w.WriteHeader(http.StatusUnauthorized)
}
