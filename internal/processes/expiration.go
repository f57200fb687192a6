package processes

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

const (
	DefaultExpirationInterval  = 30 * time.Minute
	DefaultExpirationBatchSize = 1000
	DefaultExpirationBatchRate = 10
)

type ExpirationOptions struct {
	Interval  time.Duration
	BatchSize int
	// BatchesPerSecond throttles deletes so cleanup never starves other writers.
	BatchesPerSecond int
}

// ExpirationManager deletes expired records in batches.
type ExpirationManager struct {
	store   storage.Store
	opts    ExpirationOptions
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

func NewExpirationManager(store storage.Store, opts ExpirationOptions, log logx.Logger) (*ExpirationManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: expiration store is nil", server.ErrInvalidArgument)
	}
	if opts.Interval < 0 || opts.BatchSize < 0 || opts.BatchesPerSecond < 0 {
		return nil, fmt.Errorf("%w: expiration options must be >= 0", server.ErrOutOfRange)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultExpirationInterval
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultExpirationBatchSize
	}
	if opts.BatchesPerSecond == 0 {
		opts.BatchesPerSecond = DefaultExpirationBatchRate
	}
	return &ExpirationManager{
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.BatchesPerSecond), 1),
		log:     log.With(logx.Component("expiration")),
		now:     time.Now,
	}, nil
}

func (m *ExpirationManager) Name() string { return "expiration-manager" }

func (m *ExpirationManager) Execute(ctx context.Context, pc *server.Context) error {
	total := 0
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			if pc.IsStopping() {
				return pc.StopRequested()
			}
			return err
		}
		n, err := m.store.RemoveExpired(ctx, m.now(), m.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("remove expired: %w", err)
		}
		total += n
		if n < m.opts.BatchSize || pc.IsStopping() {
			break
		}
	}
	if total > 0 {
		m.log.Info("expired records removed", logx.Int("count", total))
	}
	if pc.Wait(m.opts.Interval) {
		return pc.StopRequested()
	}
	return nil
}
