package verp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// tokenEncoding is RFC4648 base32 without padding. Tokens are emitted in
// lower case and decoded case-insensitively since relays may fold the
// local-part.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Signature is a parsed signature segment.
type Signature struct {
	Timestamp time.Time
	mac       []byte
	raw       string
}

// Scheme signs bounce tokens and verifies them. Codecs hold an ordered list
// of schemes; the first one is used for signing.
type Scheme interface {
	Name() string
	Sign(email string, ts time.Time) string
	// Parse reports whether sig structurally belongs to this scheme.
	Parse(sig string) (Signature, bool)
	Verify(email string, sig Signature) bool
}

const (
	hmacTSLen  = 5
	hmacMACLen = 10
	// base32 of 5 and 10 bytes, no slack bits.
	hmacTSChars  = 8
	hmacMACChars = 16
)

// HMACScheme is the current scheme: base32(ts) followed by a truncated
// HMAC-SHA256, 24 characters of [a-z2-7].
type HMACScheme struct {
	key []byte
}

func NewHMACScheme(secret string) *HMACScheme {
	return &HMACScheme{key: []byte(secret)}
}

func (s *HMACScheme) Name() string { return "hmac-sha256" }

func (s *HMACScheme) Sign(email string, ts time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.Unix()))
	enc := tokenEncoding.EncodeToString(buf[8-hmacTSLen:])
	return strings.ToLower(enc + tokenEncoding.EncodeToString(s.mac(email, ts.Unix())))
}

func (s *HMACScheme) Parse(sig string) (Signature, bool) {
	if len(sig) != hmacTSChars+hmacMACChars {
		return Signature{}, false
	}
	upper := strings.ToUpper(sig)
	tsBytes, err := tokenEncoding.DecodeString(upper[:hmacTSChars])
	if err != nil || len(tsBytes) != hmacTSLen {
		return Signature{}, false
	}
	mac, err := tokenEncoding.DecodeString(upper[hmacTSChars:])
	if err != nil || len(mac) != hmacMACLen {
		return Signature{}, false
	}
	var buf [8]byte
	copy(buf[8-hmacTSLen:], tsBytes)
	ts := int64(binary.BigEndian.Uint64(buf[:]))
	return Signature{Timestamp: time.Unix(ts, 0), mac: mac, raw: sig}, true
}

func (s *HMACScheme) Verify(email string, sig Signature) bool {
	return hmac.Equal(sig.mac, s.mac(email, sig.Timestamp.Unix()))
}

func (s *HMACScheme) mac(email string, ts int64) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte("bounce-v2|"))
	h.Write([]byte(email))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return h.Sum(nil)[:hmacMACLen]
}

// LegacyScheme verifies addresses minted before the switch to HMACScheme:
// base36 timestamp, a dash, then 20 hex characters of HMAC-SHA1.
type LegacyScheme struct {
	key []byte
}

func NewLegacyScheme(secret string) *LegacyScheme {
	return &LegacyScheme{key: []byte(secret)}
}

func (s *LegacyScheme) Name() string { return "legacy-sha1" }

func (s *LegacyScheme) Sign(email string, ts time.Time) string {
	stamp := strconv.FormatInt(ts.Unix(), 36)
	return stamp + "-" + hex.EncodeToString(s.mac(email, stamp))
}

func (s *LegacyScheme) Parse(sig string) (Signature, bool) {
	stamp, digest, ok := strings.Cut(strings.ToLower(sig), "-")
	if !ok || stamp == "" || len(digest) != 2*hmacMACLen {
		return Signature{}, false
	}
	ts, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil || ts < 0 {
		return Signature{}, false
	}
	mac, err := hex.DecodeString(digest)
	if err != nil {
		return Signature{}, false
	}
	return Signature{Timestamp: time.Unix(ts, 0), mac: mac, raw: stamp}, true
}

func (s *LegacyScheme) Verify(email string, sig Signature) bool {
	return hmac.Equal(sig.mac, s.mac(email, sig.raw))
}

func (s *LegacyScheme) mac(email, stamp string) []byte {
	h := hmac.New(sha1.New, s.key)
	h.Write([]byte(email))
	h.Write([]byte(":"))
	h.Write([]byte(stamp))
	return h.Sum(nil)[:hmacMACLen]
}
