package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orderline/internal/cache"
	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/engine/auth"
	"orderline/internal/engine/transition"
	"orderline/internal/history"
	"orderline/internal/notify"
	"orderline/internal/obs"
	"orderline/internal/repo"
	"orderline/internal/workitem"
)

var tracer = otel.Tracer("orderline/engine")

// Engine runs every work item mutation as one transaction: authorize, lock the
// row through the branch filter, validate, persist, record history, commit,
// then invalidate caches and hand notifications to the dispatcher.
type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Items     *workitem.Repository
	Scopes    *auth.Resolver
	Gate      auth.Gate
	Validator *transition.Validator
	Recorder  *history.Recorder
	Notifier  notify.Notifier
	Config    *config.Config
	Log       *logrus.Entry
	Now       func() time.Time
}

// Options carries the collaborators that differ between deployments.
type Options struct {
	Cache        cache.Cache
	ItemTTL      time.Duration
	ScopeTTL     time.Duration
	AggregateTTL time.Duration
	Notifier     notify.Notifier
	Logger       *logrus.Logger
}

// Cache lifetimes used when Options leaves them unset.
const (
	DefaultItemTTL      = 10 * time.Minute
	DefaultScopeTTL     = 5 * time.Minute
	DefaultAggregateTTL = time.Minute
)

func New(conn *sqlx.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.ItemTTL <= 0 {
		opts.ItemTTL = DefaultItemTTL
	}
	if opts.ScopeTTL <= 0 {
		opts.ScopeTTL = DefaultScopeTTL
	}
	if opts.AggregateTTL <= 0 {
		opts.AggregateTTL = DefaultAggregateTTL
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	log := obs.Component(opts.Logger, "engine")
	store := repo.New(conn)
	scopes := auth.NewResolver(store, opts.Cache, opts.ScopeTTL, log)
	return Engine{
		DB:        conn,
		Repo:      store,
		Items:     workitem.New(store, opts.Cache, opts.ItemTTL, opts.AggregateTTL, log),
		Scopes:    scopes,
		Gate:      auth.Gate{Resolver: scopes},
		Validator: transition.New(cfg),
		Recorder:  history.New(store, log),
		Notifier:  opts.Notifier,
		Config:    cfg,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// stamp returns the mutation time, never earlier than the previous update so
// history stays ordered under clock skew.
func (e Engine) stamp(prev time.Time) time.Time {
	now := e.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", repo.MapError(err))
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", repo.MapError(err))
	}
	return nil
}

// track opens a span and returns the func that closes it with the outcome.
func (e Engine) track(ctx context.Context, op, actorID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("actor_id", actorID)))
	return ctx, func(err error) {
		m := obs.Metrics()
		m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		m.Operations.WithLabelValues(op, Result(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Result classifies an error into a stable label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// committed runs the post-commit steps of an item mutation.
func (e Engine) committed(ctx context.Context, op string, before *domain.WorkItem, after domain.WorkItem, actorID string, records int) {
	e.Items.InvalidateItem(ctx, after)
	if before == nil || before.Status != after.Status {
		e.notifyStatus(after, actorID)
	}
	e.Log.WithFields(logrus.Fields{
		"op":           op,
		"work_item_id": after.ID,
		"actor_id":     actorID,
		"status":       after.Status,
		"history":      records,
	}).Info("work item changed")
}

func (e Engine) notifyStatus(w domain.WorkItem, actorID string) {
	for _, rule := range e.Config.RulesFor(w.Status) {
		seen := map[string]bool{}
		for _, sel := range rule.Notify {
			var recipient string
			switch sel {
			case config.RecipientCreator:
				recipient = w.CreatedBy
			case config.RecipientAssignee:
				recipient = w.Attributes.AssigneeID
			case config.RecipientActor:
				recipient = actorID
			}
			if recipient == "" || seen[recipient] {
				continue
			}
			seen[recipient] = true
			e.Notifier.Enqueue(domain.Notification{
				Type:        rule.Type,
				RecipientID: recipient,
				Message:     fmt.Sprintf("%s %q is now %s", w.ID, w.Attributes.Title, w.Status),
				WorkItemID:  w.ID,
			})
		}
	}
}

func requireActor(actorID string) error {
	if actorID == "" {
		return domain.Invalid("actor_id", "required")
	}
	return nil
}
