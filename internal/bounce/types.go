package bounce

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Type is the bounce verdict.
type Type string

const (
	TypeHard Type = "hard"
	TypeSoft Type = "soft"
	TypeNone Type = "none"
)

// Source tells which path recorded a bounce.
type Source string

const (
	SourceMailbox Source = "mailbox"
	SourceSMTP    Source = "smtp"
)

// Status is an enhanced status code, class.subject.detail (RFC 3463).
type Status struct {
	Class   int `json:"class"`
	Subject int `json:"subject"`
	Detail  int `json:"detail"`
}

// statusPattern rejects codes embedded in dotted numbers such as IPv4
// addresses or version strings. A single trailing sentence dot is allowed.
var statusPattern = regexp.MustCompile(`(?:^|[^\d.])([245])\.(\d{1,3})\.(\d{1,3})(?:[^\d.]|\.(?:[^\d]|$)|$)`)

// FindStatus returns the first enhanced status code in text.
func FindStatus(text string) (Status, bool) {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return Status{}, false
	}
	class, _ := strconv.Atoi(m[1])
	subject, _ := strconv.Atoi(m[2])
	detail, _ := strconv.Atoi(m[3])
	return Status{Class: class, Subject: subject, Detail: detail}, true
}

func (s Status) IsZero() bool {
	return s.Class == 0
}

func (s Status) String() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", s.Class, s.Subject, s.Detail)
}

// TypeOf maps the status class to a bounce type.
func (s Status) TypeOf() Type {
	switch s.Class {
	case 5:
		return TypeHard
	case 4:
		return TypeSoft
	default:
		return TypeNone
	}
}

// Event is one classified delivery failure (or non-failure).
type Event struct {
	IsBounce       bool      `json:"is_bounce"`
	Type           Type      `json:"bounce_type"`
	Status         Status    `json:"status"`
	DiagnosticCode string    `json:"diagnostic_code"`
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
}

func eventFromStatus(s Status, diagnostic string, ts time.Time, source Source) Event {
	t := s.TypeOf()
	return Event{
		IsBounce:       t != TypeNone,
		Type:           t,
		Status:         s,
		DiagnosticCode: diagnostic,
		Timestamp:      ts,
		Source:         source,
	}
}
