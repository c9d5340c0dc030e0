// Package mailbox scans the bounce mailbox that receives VERP bounces.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mail-deliverability-go/internal/config"
)

// Message is one raw message read from the mailbox.
type Message struct {
	UID uint32
	Raw []byte
}

// Mailbox is the subset of an IMAP session the scanner needs.
type Mailbox interface {
	Unseen(ctx context.Context) ([]Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// IMAPMailbox is a logged-in IMAP session with the bounce folder selected.
type IMAPMailbox struct {
	client *client.Client
}

// DialIMAP connects, logs in and selects the configured folder.
func DialIMAP(cfg config.IMAPConfig) (*IMAPMailbox, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(cfg.User, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := c.Select(cfg.Mailbox, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to select %s: %w", cfg.Mailbox, err)
	}

	return &IMAPMailbox{client: c}, nil
}

// Unseen fetches every message without the \Seen flag. Bodies are fetched
// with PEEK so reading does not mark them.
func (m *IMAPMailbox) Unseen(ctx context.Context) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- m.client.UidFetch(seqset, items, messages)
	}()

	var out []Message
	var readErr error
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil && readErr == nil {
			readErr = fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
			continue
		}
		out = append(out, Message{UID: msg.Uid, Raw: raw})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// MarkSeen sets \Seen on uid.
func (m *IMAPMailbox) MarkSeen(ctx context.Context, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message %d as seen: %w", uid, err)
	}
	return nil
}

func (m *IMAPMailbox) Close() error {
	return m.client.Logout()
}
