package maillog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		raw    string
		ok     bool
		qid    string
		fields map[string]string
	}{
		{
			name:   "status keeps leading token",
			raw:    "Mar 10 10:00:02 mx postfix/smtp[104]: 4F2A1C: to=<u@example.com>, relay=mx[1.2.3.4]:25, dsn=4.2.2, status=deferred (host said: 452 4.2.2 mailbox full, try later)",
			ok:     true,
			qid:    "4F2A1C",
			fields: map[string]string{"to": "u@example.com", "status": "deferred"},
		},
		{
			name:   "message id keeps brackets",
			raw:    "2026-03-10T10:00:00.123456+00:00 mx postfix/cleanup[7]: 4F2A1C: message-id=<abc@example.org>",
			ok:     true,
			qid:    "4F2A1C",
			fields: map[string]string{"message-id": "<abc@example.org>"},
		},
		{
			name:   "terminal marker",
			raw:    "Mar  9 23:59:59 mx postfix/qmgr[3]: 4F2A1C: removed",
			ok:     true,
			qid:    "4F2A1C",
			fields: map[string]string{"removed": ""},
		},
		{
			name:   "fields outside allow list dropped",
			raw:    "Mar 10 10:00:00 mx postfix/smtpd[1]: 4F2A1C: client=host[10.0.0.1], sasl_method=PLAIN",
			ok:     true,
			qid:    "4F2A1C",
			fields: map[string]string{},
		},
		{name: "foreign process", raw: "Mar 10 10:00:00 mx amavis[9]: 4F2A1C: from=<a@b>"},
		{name: "no queue id", raw: "Mar 10 10:00:00 mx postfix/smtpd[1]: disconnect from host[10.0.0.1]"},
		{
			name:   "long queue id",
			raw:    "Mar 10 10:00:02 mx postfix/qmgr[103]: 4ZWcDp1PRTz9vXk: removed",
			ok:     true,
			qid:    "4ZWcDp1PRTz9vXk",
			fields: map[string]string{"removed": ""},
		},
		{name: "warning", raw: "Mar 10 10:00:00 mx postfix/smtpd[101]: warning: hostname mail.example.net does not resolve to address 10.0.0.7"},
		{name: "noqueue reject", raw: "Mar 10 10:00:00 mx postfix/smtpd[101]: NOQUEUE: reject: RCPT from unknown[10.0.0.7]: 554 5.7.1 <x@example.org>: Relay access denied; from=<a@example.net> to=<x@example.org>"},
		{name: "statistics", raw: "Mar 10 10:00:00 mx postfix/anvil[9]: statistics: max connection rate 1/60s for (smtp:10.0.0.7) at Mar 10 09:58:01"},
		{name: "fatal", raw: "Mar 10 10:00:00 mx postfix/master[1]: fatal: bind 0.0.0.0 port 25: Address already in use"},
		{name: "garbage", raw: "not a log line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := ParseLine(tt.raw, "postfix/", ref)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.qid, line.QueueID)
			assert.Equal(t, tt.fields, line.Fields)
			assert.Equal(t, tt.raw, line.Raw)
		})
	}
}

func TestParseLineTerminal(t *testing.T) {
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	line, ok := ParseLine("Mar 10 10:00:02 mx postfix/qmgr[103]: 4F2A1C: removed\n", "postfix/", ref)
	require.True(t, ok)
	assert.True(t, line.Terminal())
	assert.Equal(t, time.Date(2026, 3, 10, 10, 0, 2, 0, time.UTC), line.Time)
}

func TestParseTimestampYearRollover(t *testing.T) {
	ref := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC), parseTimestamp("Dec 31 23:59:00", ref))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), parseTimestamp("Jan  1 00:05:00", ref))
}

func TestSplitFields(t *testing.T) {
	got := splitFields("to=<a@b>, relay=x, status=sent (250 ok, queued as <1, 2>)")
	assert.Equal(t, []string{"to=<a@b>", "relay=x", "status=sent (250 ok, queued as <1, 2>)"}, got)
}
