package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Tolerance is how far a signed timestamp may drift from the local clock.
const Tolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("timestamp outside tolerance")
	ErrNoSecret         = errors.New("webhook secret not configured")
)

func checkTimestamp(raw string, now time.Time) error {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(sec, 0))
	if age > Tolerance || age < -Tolerance {
		return ErrStaleTimestamp
	}
	return nil
}

func sign(secret, msg []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return mac.Sum(nil)
}

// VerifySvix checks svix-id / svix-timestamp / svix-signature headers. The
// signature header may carry several space separated "v1,<base64>" entries;
// any one matching is enough.
func VerifySvix(secret string, h http.Header, body []byte, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}
	id, ts, sigs := h.Get("svix-id"), h.Get("svix-timestamp"), h.Get("svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingSignature
	}
	if err := checkTimestamp(ts, now); err != nil {
		return err
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return ErrNoSecret
	}
	expected := sign(key, []byte(id+"."+ts+"."+string(body)))

	for _, entry := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// VerifyTimestamped checks a "t=<unix>,v1=<hex>" header signed over
// "{t}.{body}".
func VerifyTimestamped(secret, header string, body []byte, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}
	if err := checkTimestamp(ts, now); err != nil {
		return err
	}

	expected := sign([]byte(secret), []byte(ts+"."+string(body)))
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignSvix produces svix headers for body. Used by tests and local tooling.
func SignSvix(secret, id string, body []byte, at time.Time) (http.Header, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	h := http.Header{}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", ts)
	h.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString(sign(key, []byte(id+"."+ts+"."+string(body)))))
	return h, nil
}

// SignTimestamped produces a "t=,v1=" header value for body.
func SignTimestamped(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(sign([]byte(secret), []byte(ts+"."+string(body))))
}
