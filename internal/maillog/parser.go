// Package maillog follows the mail transport's log and reports every
// message that has left the queue.
package maillog

import (
	"regexp"
	"strings"
	"time"
)

var linePattern = regexp.MustCompile(
	`^(?P<ts>[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}|\d{4}-\d{2}-\d{2}T\S+)\s+` +
		`(?P<host>\S+)\s+(?P<proc>[^\s\[:]+)(?:\[\d+\])?:\s+` +
		`(?P<qid>[0-9A-F]{5,}|[0-9B-DF-HJ-NP-TV-Zb-df-hj-np-tv-z]{10,}):\s+(?P<data>.*)$`)

// noQueue is what postfix writes in place of a queue id for mail rejected
// before it was queued.
const noQueue = "NOQUEUE"

// Field names kept from a queue id's lines.
const (
	FieldMessageID = "message-id"
	FieldFrom      = "from"
	FieldTo        = "to"
	FieldStatus    = "status"
	FieldRemoved   = "removed"
)

var allowedFields = map[string]bool{
	FieldMessageID: true,
	FieldFrom:      true,
	FieldTo:        true,
	FieldStatus:    true,
	FieldRemoved:   true,
}

// Line is one parsed transport log line that carries a queue id.
type Line struct {
	Time    time.Time
	Host    string
	Process string
	QueueID string
	Fields  map[string]string
	Raw     string
}

// Terminal reports whether the line marks the queue id as done.
func (l Line) Terminal() bool {
	_, ok := l.Fields[FieldRemoved]
	return ok
}

// ParseLine parses raw. Lines without a queue id or from a process outside
// prefix are rejected.
func ParseLine(raw, prefix string, now time.Time) (Line, bool) {
	raw = strings.TrimRight(raw, "\r\n")
	m := linePattern.FindStringSubmatch(raw)
	if m == nil {
		return Line{}, false
	}
	proc := m[linePattern.SubexpIndex("proc")]
	if !strings.HasPrefix(proc, prefix) {
		return Line{}, false
	}
	qid := m[linePattern.SubexpIndex("qid")]
	if qid == noQueue {
		return Line{}, false
	}

	fields := map[string]string{}
	for _, part := range splitFields(m[linePattern.SubexpIndex("data")]) {
		key, value, _ := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !allowedFields[key] {
			continue
		}
		fields[key] = cleanValue(key, strings.TrimSpace(value))
	}

	return Line{
		Time:    parseTimestamp(m[linePattern.SubexpIndex("ts")], now),
		Host:    m[linePattern.SubexpIndex("host")],
		Process: proc,
		QueueID: qid,
		Fields:  fields,
		Raw:     raw,
	}, true
}

// splitFields splits on ", " outside of parentheses and angle brackets.
func splitFields(data string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '(', '<':
			depth++
		case ')', '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 && i+1 < len(data) && data[i+1] == ' ' {
				parts = append(parts, data[start:i])
				start = i + 2
				i++
			}
		}
	}
	return append(parts, data[start:])
}

func cleanValue(key, value string) string {
	switch key {
	case FieldMessageID:
		return value
	case FieldStatus:
		if i := strings.IndexByte(value, ' '); i >= 0 {
			return value[:i]
		}
		return value
	default:
		return strings.TrimSuffix(strings.TrimPrefix(value, "<"), ">")
	}
}

func parseTimestamp(ts string, now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	t, err := time.ParseInLocation(time.Stamp, strings.Join(strings.Fields(ts), " "), now.Location())
	if err != nil {
		return time.Time{}
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t
}
