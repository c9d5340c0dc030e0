package maillog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mail-deliverability-go/internal/config"
	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
)

// Partial is the in-progress record of one queue id.
type Partial struct {
	QueueID   string            `json:"queue_id"`
	Fields    map[string]string `json:"fields"`
	Lines     []string          `json:"lines"`
	FirstSeen time.Time         `json:"first_seen"`
	// offset is where the first line of the queue id starts in the log.
	offset int64
}

func (p *Partial) merge(l Line) {
	for k, v := range l.Fields {
		p.Fields[k] = v
	}
	p.Lines = append(p.Lines, l.Raw)
}

// Result summarizes one pass over the log.
type Result struct {
	Lines   int   `json:"lines"`
	Emitted int   `json:"emitted"`
	Pending int   `json:"pending"`
	Stuck   int   `json:"stuck"`
	Offset  int64 `json:"offset"`
}

// Correlator groups transport log lines by queue id and emits a
// DeliveryLeftQueue event once a queue id is removed.
type Correlator struct {
	path       string
	offsetFile string
	prefix     string
	stuckAge   time.Duration
	observer   notify.DeliveryObserver
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*Partial
}

func NewCorrelator(cfg config.MailLogConfig, observer notify.DeliveryObserver, m *metrics.Metrics) *Correlator {
	return &Correlator{
		path:       cfg.Path,
		offsetFile: cfg.OffsetFile,
		prefix:     cfg.ProcessPrefix,
		stuckAge:   cfg.StuckWarningAge,
		observer:   observer,
		metrics:    m,
		now:        time.Now,
		pending:    map[string]*Partial{},
	}
}

// Pending returns the queue ids that were not removed yet, oldest first.
func (c *Correlator) Pending() []Partial {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Partial, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

// Run reads the log from the persisted offset to its end. The offset is
// saved only after a complete pass and never moves past the first line of
// a queue id that is still pending.
func (c *Correlator) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	state, err := loadOffset(c.offsetFile)
	if err != nil {
		return res, err
	}

	f, err := os.Open(c.path)
	if err != nil {
		return res, fmt.Errorf("failed to open mail log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("failed to stat mail log: %w", err)
	}
	if info.Size() < state.Offset {
		logrus.WithFields(logrus.Fields{"path": c.path, "offset": state.Offset, "size": info.Size()}).
			Warn("Mail log shrank, reading from the start")
		state = offsetState{Emitted: map[string]int64{}}
	}
	if _, err := f.Seek(state.Offset, io.SeekStart); err != nil {
		return res, fmt.Errorf("failed to seek mail log: %w", err)
	}

	now := c.now()
	c.pending = map[string]*Partial{}
	pos := state.Offset
	r := bufio.NewReader(f)

	for {
		raw, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// An unterminated tail is still being written.
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read mail log: %w", err)
		}
		start := pos
		pos += int64(len(raw))
		res.Lines++

		if res.Lines%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}

		line, ok := ParseLine(raw, c.prefix, now)
		if !ok {
			continue
		}
		if _, done := state.Emitted[line.QueueID]; done {
			continue
		}

		p, ok := c.pending[line.QueueID]
		if !ok {
			p = &Partial{QueueID: line.QueueID, Fields: map[string]string{}, FirstSeen: line.Time, offset: start}
			c.pending[line.QueueID] = p
		}
		p.merge(line)

		if !line.Terminal() {
			continue
		}
		if err := c.emit(ctx, p); err != nil {
			logrus.WithField("queue_id", p.QueueID).Errorf("Failed to emit delivery, keeping it pending: %v", err)
			continue
		}
		delete(c.pending, line.QueueID)
		state.Emitted[line.QueueID] = pos
		res.Emitted++
	}

	offset := pos
	for _, p := range c.pending {
		if p.offset < offset {
			offset = p.offset
		}
	}
	for qid, end := range state.Emitted {
		if end <= offset {
			delete(state.Emitted, qid)
		}
	}
	state.Offset = offset

	if err := saveOffset(c.offsetFile, state); err != nil {
		return res, err
	}

	res.Offset = offset
	res.Pending = len(c.pending)
	res.Stuck = c.reportStuck(now)

	if c.metrics != nil {
		c.metrics.LogLinesRead.Add(float64(res.Lines))
		c.metrics.PendingQueueIDs.Set(float64(res.Pending))
		c.metrics.StuckQueueIDs.Set(float64(res.Stuck))
	}
	return res, nil
}

func (c *Correlator) emit(ctx context.Context, p *Partial) error {
	ev := notify.DeliveryLeftQueue{
		ID:          uuid.NewString(),
		QueueID:     p.QueueID,
		To:          p.Fields[FieldTo],
		FromAddress: p.Fields[FieldFrom],
		MessageID:   p.Fields[FieldMessageID],
		Status:      p.Fields[FieldStatus],
		Log:         append([]string(nil), p.Lines...),
	}
	if c.observer != nil {
		if err := c.observer.HandleDelivery(ctx, ev); err != nil {
			return err
		}
	}
	if c.metrics != nil {
		c.metrics.DeliveriesEmitted.WithLabelValues(ev.Status).Inc()
	}
	return nil
}

// reportStuck warns about queue ids pending longer than the stuck age.
// They are kept; the transport may still resolve them.
func (c *Correlator) reportStuck(now time.Time) int {
	if c.stuckAge <= 0 {
		return 0
	}
	stuck := 0
	for _, p := range c.pending {
		if p.FirstSeen.IsZero() || now.Sub(p.FirstSeen) < c.stuckAge {
			continue
		}
		stuck++
		logrus.WithFields(logrus.Fields{
			"queue_id":   p.QueueID,
			"first_seen": p.FirstSeen,
			"lines":      len(p.Lines),
		}).Warn("Queue id pending for a long time, holding back the log offset")
	}
	return stuck
}
