package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/config"
	"mail-deliverability-go/internal/notify"
)

type relayBackend struct {
	mu       sync.Mutex
	refuse   map[string]*smtp.SMTPError
	messages []relayMessage
}

type relayMessage struct {
	from string
	to   []string
	data string
	helo string
	tls  bool
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{backend: b, conn: c}, nil
}

type relaySession struct {
	backend *relayBackend
	conn    *smtp.Conn
	from    string
	to      []string
}

func (s *relaySession) AuthPlain(_, _ string) error { return smtp.ErrAuthUnsupported }

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if serr, ok := s.backend.refuse[to]; ok {
		return serr
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	_, secure := s.conn.TLSConnectionState()
	s.backend.messages = append(s.backend.messages, relayMessage{
		from: s.from,
		to:   s.to,
		data: string(data),
		helo: s.conn.Hostname(),
		tls:  secure,
	})
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, refuse map[string]*smtp.SMTPError) (*relayBackend, config.SMTPConfig) {
	t.Helper()
	return serveRelay(t, refuse, nil)
}

func serveRelay(t *testing.T, refuse map[string]*smtp.SMTPError, tlsConfig *tls.Config) (*relayBackend, config.SMTPConfig) {
	t.Helper()
	backend := &relayBackend{refuse: refuse}
	server := smtp.NewServer(backend)
	server.TLSConfig = tlsConfig
	server.Domain = "localhost"
	server.AllowInsecureAuth = true
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	return backend, config.SMTPConfig{
		Host:    "127.0.0.1",
		Port:    l.Addr().(*net.TCPAddr).Port,
		TLSMode: "none",
	}
}

// selfSigned returns a certificate for 127.0.0.1 and a pool trusting it.
func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

const testMessage = "From: app@example.org\r\nTo: users\r\nSubject: hello\r\n\r\nHi there.\r\n"

func userUnknown() *smtp.SMTPError {
	return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "User unknown"}
}

func TestSMTPSenderDelivers(t *testing.T) {
	backend, cfg := startRelay(t, nil)
	sender := NewSMTPSender(cfg)

	err := sender.Send(context.Background(), Envelope{
		From: "bounce@example.org",
		To:   []string{"a@example.com", "b@example.com"},
		Data: []byte(testMessage),
	})
	require.NoError(t, err)

	require.Len(t, backend.messages, 1)
	assert.Equal(t, "bounce@example.org", backend.messages[0].from)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, backend.messages[0].to)
	assert.Contains(t, backend.messages[0].data, "Hi there.")
}

func TestSMTPSenderStartTLSKeepsHeloName(t *testing.T) {
	cert, pool := selfSigned(t)
	backend, cfg := serveRelay(t, nil, &tls.Config{Certificates: []tls.Certificate{cert}})
	cfg.TLSMode = "starttls"
	cfg.HeloName = "mta.example.org"
	sender := NewSMTPSender(cfg)
	sender.tlsConfig = &tls.Config{ServerName: "127.0.0.1", RootCAs: pool, MinVersion: tls.VersionTLS12}

	err := sender.Send(context.Background(), Envelope{
		From: "bounce@example.org",
		To:   []string{"a@example.com"},
		Data: []byte(testMessage),
	})
	require.NoError(t, err)

	require.Len(t, backend.messages, 1)
	assert.True(t, backend.messages[0].tls)
	assert.Equal(t, "mta.example.org", backend.messages[0].helo)
}

func TestSMTPSenderStartTLSUnsupported(t *testing.T) {
	backend, cfg := startRelay(t, nil)
	cfg.TLSMode = "starttls"
	sender := NewSMTPSender(cfg)

	err := sender.Send(context.Background(), Envelope{
		From: "bounce@example.org",
		To:   []string{"a@example.com"},
		Data: []byte(testMessage),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.Empty(t, backend.messages)
}

func TestSMTPSenderPartialRefusal(t *testing.T) {
	backend, cfg := startRelay(t, map[string]*smtp.SMTPError{"gone@example.com": userUnknown()})
	sender := NewSMTPSender(cfg)

	err := sender.Send(context.Background(), Envelope{
		From: "bounce@example.org",
		To:   []string{"ok@example.com", "gone@example.com"},
		Data: []byte(testMessage),
	})

	var refused *RecipientsRefusedError
	require.ErrorAs(t, err, &refused)
	require.Contains(t, refused.Refused, "gone@example.com")
	assert.Equal(t, 550, refused.Refused["gone@example.com"].Code)
	assert.Contains(t, err.Error(), "gone@example.com")

	require.Len(t, backend.messages, 1)
	assert.Equal(t, []string{"ok@example.com"}, backend.messages[0].to)
}

func TestSMTPSenderAllRefusedSkipsData(t *testing.T) {
	backend, cfg := startRelay(t, map[string]*smtp.SMTPError{"gone@example.com": userUnknown()})
	sender := NewSMTPSender(cfg)

	err := sender.Send(context.Background(), Envelope{
		From: "bounce@example.org",
		To:   []string{"gone@example.com"},
		Data: []byte(testMessage),
	})

	var refused *RecipientsRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Empty(t, backend.messages)
}

func TestSMTPSenderRejectsEmptyEnvelope(t *testing.T) {
	sender := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: 1})
	assert.Error(t, sender.Send(context.Background(), Envelope{From: "a@example.org"}))
}

func TestRejections(t *testing.T) {
	err := &RecipientsRefusedError{Refused: map[string]*smtp.SMTPError{
		"z@example.com": {Code: 450, EnhancedCode: smtp.NoEnhancedCode, Message: "Mailbox busy"},
		"a@example.com": userUnknown(),
	}}

	rejections := err.Rejections()
	require.Len(t, rejections, 2)
	assert.Equal(t, bounce.Rejection{Recipient: "a@example.com", Code: 550, Diagnostic: "5.1.1 User unknown"}, rejections[0])
	assert.Equal(t, bounce.Rejection{Recipient: "z@example.com", Code: 450, Diagnostic: "Mailbox busy"}, rejections[1])
}

type fakeSender struct {
	err error
}

func (f fakeSender) Send(context.Context, Envelope) error { return f.err }

type fakeRecorder struct {
	added map[string]bounce.Event
}

func (f *fakeRecorder) AddBounce(_ context.Context, email string, ev bounce.Event) (*notify.BounceDetected, error) {
	if f.added == nil {
		f.added = map[string]bounce.Event{}
	}
	f.added[email] = ev
	return &notify.BounceDetected{Email: email, Event: ev}, nil
}

func TestBounceAwareSenderRecordsRefusals(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	refused := &RecipientsRefusedError{Refused: map[string]*smtp.SMTPError{
		"Gone@Example.com": userUnknown(),
		"not an address":   userUnknown(),
	}}

	for _, propagate := range []bool{false, true} {
		rec := &fakeRecorder{}
		s := NewBounceAwareSender(fakeSender{err: refused}, bounce.NewClassifier(func() time.Time { return now }), rec, propagate)

		err := s.Send(context.Background(), Envelope{From: "x@example.org", To: []string{"Gone@Example.com"}})
		if propagate {
			assert.ErrorIs(t, err, refused)
		} else {
			assert.NoError(t, err)
		}

		require.Len(t, rec.added, 1)
		ev := rec.added["gone@example.com"]
		assert.True(t, ev.IsBounce)
		assert.Equal(t, bounce.TypeHard, ev.Type)
		assert.Equal(t, bounce.SourceSMTP, ev.Source)
		assert.Equal(t, now, ev.Timestamp)
		assert.True(t, strings.HasPrefix(ev.DiagnosticCode, "smtp; 550"))
	}
}

func TestBounceAwareSenderPassesOtherErrors(t *testing.T) {
	rec := &fakeRecorder{}
	boom := errors.New("connection reset")
	s := NewBounceAwareSender(fakeSender{err: boom}, bounce.NewClassifier(time.Now), rec, false)

	assert.ErrorIs(t, s.Send(context.Background(), Envelope{}), boom)
	assert.Empty(t, rec.added)

	s = NewBounceAwareSender(fakeSender{}, bounce.NewClassifier(time.Now), rec, false)
	assert.NoError(t, s.Send(context.Background(), Envelope{}))
}
