// Package bounce turns delivery status notifications and synchronous SMTP
// rejections into bounce events.
package bounce

import (
	"bufio"
	"fmt"
	"io"
	netmail "net/mail"
	"sort"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// maxTextScan bounds how much of a text part is scanned for a status code.
const maxTextScan = 64 * 1024

// Classification is the verdict for one message read from the bounce mailbox.
type Classification struct {
	Event
	AutoReply bool
	// Recipients lists Final-Recipient values found in the DSN.
	Recipients []string
}

// NeedsAttention reports whether the message is neither a bounce, an
// auto-reply nor any recognizable status report.
func (c Classification) NeedsAttention() bool {
	return !c.IsBounce && !c.AutoReply && c.Status.IsZero()
}

// Rejection is one refused recipient from a synchronous SMTP transaction.
type Rejection struct {
	// Recipient is the address as echoed by the transport, possibly RFC 2047 encoded.
	Recipient  string
	Code       int
	Diagnostic string
}

// Outcome is the classification result for one rejection.
type Outcome struct {
	Recipient string
	Event     Event
	Err       error
}

// Classifier classifies bounce notifications.
type Classifier struct {
	now func() time.Time
}

func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

// ClassifyMessage parses a raw message from the bounce mailbox.
func (c *Classifier) ClassifyMessage(r io.Reader) (Classification, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Classification{}, fmt.Errorf("failed to read message: %w", err)
	}

	ts := c.now()
	if date, err := (&mail.Header{Header: entity.Header}).Date(); err == nil && !date.IsZero() {
		ts = date
	}

	var (
		report *dsnReport
		texts  []string
	)
	if err := walkParts(entity, func(part *message.Entity) error {
		mediaType, _, _ := part.Header.ContentType()
		switch strings.ToLower(mediaType) {
		case "message/delivery-status", "message/global-delivery-status":
			if report != nil {
				return nil
			}
			rep, err := parseDSN(part.Body)
			if err != nil {
				return err
			}
			report = rep
		case "text/plain", "":
			text, err := io.ReadAll(io.LimitReader(part.Body, maxTextScan))
			if err != nil {
				return fmt.Errorf("failed to read text part: %w", err)
			}
			texts = append(texts, string(text))
		}
		return nil
	}); err != nil {
		return Classification{}, err
	}

	if report != nil && !report.status.IsZero() {
		if !report.when.IsZero() {
			ts = report.when
		}
		return Classification{
			Event:      eventFromStatus(report.status, report.diagnostic, ts, SourceMailbox),
			Recipients: report.recipients,
		}, nil
	}

	if isAutoReply(entity.Header) {
		return Classification{
			Event:     Event{Type: TypeNone, Timestamp: ts, Source: SourceMailbox},
			AutoReply: true,
		}, nil
	}

	for _, text := range texts {
		if status, ok := FindStatus(text); ok && status.Class != 2 {
			return Classification{Event: eventFromStatus(status, diagnosticLine(text, status), ts, SourceMailbox)}, nil
		}
	}

	return Classification{Event: Event{Type: TypeNone, Timestamp: ts, Source: SourceMailbox}}, nil
}

// ClassifyRejections classifies every refused recipient. Entries whose
// address is not a valid email are returned with Err set; the rest carry
// an event stamped with the current time.
func (c *Classifier) ClassifyRejections(rejections []Rejection) []Outcome {
	sorted := make([]Rejection, len(rejections))
	copy(sorted, rejections)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Recipient < sorted[j].Recipient })

	now := c.now()
	outcomes := make([]Outcome, 0, len(sorted))
	for _, rej := range sorted {
		addr, err := decodeRecipient(rej.Recipient)
		if err != nil {
			outcomes = append(outcomes, Outcome{Recipient: rej.Recipient, Err: err})
			continue
		}

		status, ok := FindStatus(rej.Diagnostic)
		if !ok && rej.Code >= 400 && rej.Code < 600 {
			status = Status{Class: rej.Code / 100}
		}
		diagnostic := strings.TrimSpace(fmt.Sprintf("smtp; %d %s", rej.Code, rej.Diagnostic))
		outcomes = append(outcomes, Outcome{
			Recipient: addr,
			Event:     eventFromStatus(status, diagnostic, now, SourceSMTP),
		})
	}
	return outcomes
}

func decodeRecipient(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", raw, err)
	}
	local, domain, ok := strings.Cut(addr.Address, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid recipient %q", raw)
	}
	return strings.ToLower(addr.Address), nil
}

func walkParts(entity *message.Entity, fn func(*message.Entity) error) error {
	mr := entity.MultipartReader()
	if mr == nil {
		return fn(entity)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("failed to read part: %w", err)
		}
		if err := walkParts(part, fn); err != nil {
			return err
		}
	}
}

var autoReplyHeaders = []string{"X-Autoreply", "X-Autorespond", "X-Autoresponder"}

func isAutoReply(h message.Header) bool {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	for _, k := range autoReplyHeaders {
		if h.Get(k) != "" {
			return true
		}
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "auto_reply", "auto-reply":
		return true
	}
	return false
}

func diagnosticLine(text string, status Status) string {
	code := status.String()
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, code) {
			return strings.TrimSpace(line)
		}
	}
	return code
}

type dsnReport struct {
	status     Status
	diagnostic string
	when       time.Time
	recipients []string
}

// parseDSN reads the per-message and per-recipient field groups of a
// message/delivery-status body. The first failing recipient wins; otherwise
// the first recipient with any status.
func parseDSN(body io.Reader) (*dsnReport, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery status: %w", err)
	}
	br := bufio.NewReader(strings.NewReader(string(data) + "\r\n\r\n"))

	rep := &dsnReport{}
	var fallback *dsnReport
	for {
		if _, err := br.Peek(1); err != nil {
			break
		}
		h, err := textproto.ReadHeader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to parse delivery status: %w", err)
		}
		if fields := h.Fields(); !fields.Next() {
			continue
		}
		if r := h.Get("Final-Recipient"); r != "" {
			rep.recipients = append(rep.recipients, recipientValue(r))
		}
		status, ok := FindStatus(h.Get("Status"))
		if !ok {
			continue
		}
		cand := &dsnReport{status: status, diagnostic: strings.TrimSpace(h.Get("Diagnostic-Code"))}
		for _, k := range []string{"Last-Attempt-Date", "Arrival-Date"} {
			if v := h.Get(k); v != "" {
				if t, err := netmail.ParseDate(v); err == nil {
					cand.when = t
					break
				}
			}
		}
		if status.Class != 2 && rep.status.IsZero() {
			rep.status, rep.diagnostic, rep.when = cand.status, cand.diagnostic, cand.when
		} else if fallback == nil {
			fallback = cand
		}
	}
	if rep.status.IsZero() && fallback != nil {
		rep.status, rep.diagnostic, rep.when = fallback.status, fallback.diagnostic, fallback.when
	}
	return rep, nil
}

// recipientValue strips the address-type prefix, "rfc822; a@b" -> "a@b".
func recipientValue(v string) string {
	if _, addr, ok := strings.Cut(v, ";"); ok {
		return strings.ToLower(strings.TrimSpace(addr))
	}
	return strings.ToLower(strings.TrimSpace(v))
}
