package notify

import (
	"context"
	"sync"
	"time"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/metrics"
	"AgentDesk/internal/restapi"
	"AgentDesk/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	defaultInterval    = 5 * time.Second
	defaultLimit       = 200
	defaultMinCycle    = time.Second
	seenPerKeptRecords = 4
)

type Source interface {
	Notifications(ctx context.Context, cursor int64, wait time.Duration) (*restapi.NotificationPage, error)
}

type Config struct {
	Logger  zerolog.Logger
	Source  Source
	Metrics *metrics.Metrics
	// Interval separates short polls. Ignored when LongPollWait is set.
	Interval time.Duration
	// LongPollWait asks the server to hold each request open this long.
	LongPollWait time.Duration
	// MinCycle is the shortest time between the starts of two long polls,
	// for servers that answer without holding the request.
	MinCycle time.Duration
	// Limit caps the records kept in memory; the oldest are dropped first.
	Limit   int
	Backoff func(attempt int) time.Duration
	// OnNew receives the records each poll added.
	OnNew func(records []domain.NotificationRecord)
}

// Poller follows the notification feed with a server-side cursor and keeps
// an ordered, de-duplicated list of what it has seen.
type Poller struct {
	logger   zerolog.Logger
	source   Source
	metrics  *metrics.Metrics
	interval time.Duration
	wait     time.Duration
	minCycle time.Duration
	limit    int
	backoff  func(attempt int) time.Duration
	onNew    func(records []domain.NotificationRecord)

	mutex   sync.Mutex
	cursor  int64
	records []domain.NotificationRecord
	// seen outlives records so a replay of a trimmed id is still a duplicate.
	// seenOrder holds the same ids oldest first and bounds the set.
	seen      map[string]struct{}
	seenOrder []string
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPoller(cfg Config) *Poller {
	p := &Poller{
		logger:   cfg.Logger.With().Str("component", "notifications").Logger(),
		source:   cfg.Source,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		wait:     cfg.LongPollWait,
		minCycle: cfg.MinCycle,
		limit:    cfg.Limit,
		backoff:  cfg.Backoff,
		onNew:    cfg.OnNew,
		seen:     make(map[string]struct{}),
	}
	if p.minCycle <= 0 {
		p.minCycle = defaultMinCycle
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.limit <= 0 {
		p.limit = defaultLimit
	}
	if p.backoff == nil {
		p.backoff = telemetry.Backoff
	}
	return p
}

// Start launches the poll loop. Calling it while running does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	p.logger.Info().Dur("long_poll_wait", p.wait).Msg("Notification polling started")
}

// Stop ends the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mutex.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info().Msg("Notification polling stopped")
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		started := time.Now()
		err := p.PollOnce(ctx)

		delay := p.interval
		if p.wait > 0 {
			// a held request already spaced the cycles out
			delay = p.minCycle - time.Since(started)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = p.backoff(failures)
			failures++
			p.logger.Warn().
				Err(err).
				Int("attempt", failures).
				Dur("delay", delay).
				Msg("Notification poll failed")
		} else {
			failures = 0
		}

		if delay <= 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PollOnce runs one cycle. The cursor moves only when the poll succeeds.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mutex.Lock()
	cursor := p.cursor
	p.mutex.Unlock()

	page, err := p.source.Notifications(ctx, cursor, p.wait)
	if err != nil {
		return err
	}

	added := p.apply(cursor, page)
	if len(added) > 0 {
		p.logger.Debug().Int("count", len(added)).Int64("cursor", page.Cursor).Msg("New notifications")
		if p.onNew != nil {
			p.onNew(added)
		}
	}
	return nil
}

func (p *Poller) apply(requested int64, page *restapi.NotificationPage) []domain.NotificationRecord {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// a concurrent cycle already consumed this cursor
	if p.cursor != requested {
		return nil
	}
	if page.Cursor > p.cursor {
		p.cursor = page.Cursor
	}

	var added []domain.NotificationRecord
	for _, item := range page.Items {
		if _, dup := p.seen[item.ID]; dup {
			continue
		}
		p.remember(item.ID)
		p.records = append(p.records, item)
		added = append(added, item)
	}
	if over := len(p.records) - p.limit; over > 0 {
		p.records = append([]domain.NotificationRecord(nil), p.records[over:]...)
	}

	p.metrics.SetUnreadNotifications(p.unreadLocked())
	return added
}

// remember adds id to the seen set, forgetting the oldest ids once the set
// holds several times the kept records.
func (p *Poller) remember(id string) {
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)

	if over := len(p.seenOrder) - p.limit*seenPerKeptRecords; over > 0 {
		for _, old := range p.seenOrder[:over] {
			delete(p.seen, old)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[over:]...)
	}
}

func (p *Poller) Cursor() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.cursor
}

// List returns the records oldest first.
func (p *Poller) List() []domain.NotificationRecord {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]domain.NotificationRecord(nil), p.records...)
}

func (p *Poller) Unread() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.unreadLocked()
}

func (p *Poller) unreadLocked() int {
	n := 0
	for _, r := range p.records {
		if !r.Read {
			n++
		}
	}
	return n
}

// MarkRead flags id as read and reports whether it was found.
func (p *Poller) MarkRead(id string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := range p.records {
		if p.records[i].ID == id {
			p.records[i].Read = true
			p.metrics.SetUnreadNotifications(p.unreadLocked())
			return true
		}
	}
	return false
}

func (p *Poller) MarkAllRead() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := range p.records {
		p.records[i].Read = true
	}
	p.metrics.SetUnreadNotifications(0)
}
