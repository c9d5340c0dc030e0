// Package verp encodes a recipient address into a signed bounce return path
// and recovers it again when a bounce arrives.
package verp

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of decoding a bounce address.
type Status int

const (
	StatusInvalid Status = iota
	StatusValid
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	default:
		return "invalid"
	}
}

const (
	tokenPlaceholder = "{token}"
	// atSentinel replaces "@" in the embedded recipient address.
	atSentinel = "="
	// segmentSeparator splits the signature from the escaped address.
	segmentSeparator = "+"
)

// Options configures a Codec.
type Options struct {
	// Template is the return-path template, e.g. "bounce+{token}@mail.example.org".
	Template     string
	Secret       string
	LegacySecret string
	MaxAge       time.Duration
	Now          func() time.Time
}

// Codec mints and decodes VERP bounce addresses.
type Codec struct {
	prefix  string
	suffix  string
	schemes []Scheme
	maxAge  time.Duration
	now     func() time.Time
}

// NewCodec builds a codec that signs with the current scheme and also accepts
// the legacy scheme.
func NewCodec(opts Options) (*Codec, error) {
	if strings.Count(opts.Template, tokenPlaceholder) != 1 {
		return nil, fmt.Errorf("bounce address template must contain %s exactly once", tokenPlaceholder)
	}
	prefix, suffix, _ := strings.Cut(strings.ToLower(opts.Template), tokenPlaceholder)
	if !strings.Contains(suffix, "@") {
		return nil, fmt.Errorf("bounce address template must place %s in the local part", tokenPlaceholder)
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("bounce secret key is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("bounce max age must be positive")
	}
	legacy := opts.LegacySecret
	if legacy == "" {
		legacy = opts.Secret
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{
		prefix:  prefix,
		suffix:  suffix,
		schemes: []Scheme{NewHMACScheme(opts.Secret), NewLegacyScheme(legacy)},
		maxAge:  opts.MaxAge,
		now:     now,
	}, nil
}

// Encode returns the bounce address for email.
func (c *Codec) Encode(email string) (string, error) {
	return c.encodeWith(c.schemes[0], email, c.now())
}

func (c *Codec) encodeWith(s Scheme, email string, ts time.Time) (string, error) {
	email = normalize(email)
	if strings.Count(email, "@") == 0 || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return "", fmt.Errorf("not an email address: %q", email)
	}
	sig := s.Sign(email, ts)
	token := sig + segmentSeparator + escape(email)
	return c.prefix + token + c.suffix, nil
}

// Decode recovers the recipient embedded in address. It never fails: an
// address that cannot be split yields a best-effort email and StatusInvalid.
func (c *Codec) Decode(address string) (string, Status) {
	addr := normalize(address)
	if len(addr) <= len(c.prefix)+len(c.suffix) || !strings.HasPrefix(addr, c.prefix) || !strings.HasSuffix(addr, c.suffix) {
		return addr, StatusInvalid
	}
	token := addr[len(c.prefix) : len(addr)-len(c.suffix)]
	sig, escaped, ok := strings.Cut(token, segmentSeparator)
	if !ok {
		return unescape(token), StatusInvalid
	}
	email := unescape(escaped)

	for _, s := range c.schemes {
		parsed, ok := s.Parse(sig)
		if !ok || !s.Verify(email, parsed) {
			continue
		}
		if c.now().Sub(parsed.Timestamp) > c.maxAge {
			return email, StatusExpired
		}
		return email, StatusValid
	}
	return email, StatusInvalid
}

// Matches reports whether address has the shape of the configured template.
func (c *Codec) Matches(address string) bool {
	addr := normalize(address)
	return len(addr) > len(c.prefix)+len(c.suffix) && strings.HasPrefix(addr, c.prefix) && strings.HasSuffix(addr, c.suffix)
}

func normalize(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	return strings.ToLower(address)
}

func escape(email string) string {
	i := strings.LastIndex(email, "@")
	return email[:i] + atSentinel + email[i+1:]
}

func unescape(escaped string) string {
	i := strings.LastIndex(escaped, atSentinel)
	if i < 0 {
		return escaped
	}
	return escaped[:i] + "@" + escaped[i+1:]
}
