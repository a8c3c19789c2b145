package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"orderline/internal/domain"
	"orderline/internal/obs"
)

// Dispatcher delivers one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// Notifier accepts notifications after a lifecycle change has committed.
type Notifier interface {
	Enqueue(n domain.Notification) bool
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Enqueue(domain.Notification) bool { return true }

// Log writes notifications to the process log.
type Log struct {
	Entry *logrus.Entry
}

func (l Log) Dispatch(_ context.Context, n domain.Notification) error {
	l.Entry.WithFields(logrus.Fields{
		"type":         n.Type,
		"recipient_id": n.RecipientID,
		"work_item_id": n.WorkItemID,
	}).Info(n.Message)
	return nil
}

// Multi fans out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	dispatchTimeout    = 10 * time.Second
)

// Async runs a Dispatcher on a single background worker with a bounded queue.
// A full queue drops the notification; delivery failures are retried and then logged.
type Async struct {
	dispatcher  Dispatcher
	queue       chan domain.Notification
	maxAttempts int
	backoff     time.Duration
	log         *logrus.Entry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(d Dispatcher, size, maxAttempts int, backoff time.Duration, log *logrus.Entry) *Async {
	if size <= 0 {
		size = defaultQueueSize
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	if log == nil {
		log = obs.Nop()
	}
	a := &Async{
		dispatcher:  d,
		queue:       make(chan domain.Notification, size),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log.WithField("component", "notify"),
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue never blocks. It reports whether the notification was accepted.
func (a *Async) Enqueue(n domain.Notification) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		obs.Metrics().Notifications.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case a.queue <- n:
		return true
	default:
		obs.Metrics().Notifications.WithLabelValues("dropped").Inc()
		a.log.WithFields(logrus.Fields{"type": n.Type, "work_item_id": n.WorkItemID}).Warn("notification queue full, dropped")
		return false
	}
}

// Close stops accepting notifications and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		a.deliver(n)
	}
}

func (a *Async) deliver(n domain.Notification) {
	var err error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		err = a.dispatcher.Dispatch(ctx, n)
		cancel()
		if err == nil {
			obs.Metrics().Notifications.WithLabelValues("sent").Inc()
			return
		}
		if attempt < a.maxAttempts {
			time.Sleep(a.backoff * time.Duration(attempt))
		}
	}
	obs.Metrics().Notifications.WithLabelValues("failed").Inc()
	a.log.WithError(err).WithFields(logrus.Fields{
		"type":         n.Type,
		"recipient_id": n.RecipientID,
		"work_item_id": n.WorkItemID,
	}).Warn("notification delivery failed")
}
