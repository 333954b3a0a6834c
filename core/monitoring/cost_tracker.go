package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PriceSource looks up the hourly on-demand price of the training host
type PriceSource interface {
	HourlyPrice(ctx context.Context) (float64, error)
}

// costObserver receives every computed training cost
type costObserver interface {
	ObserveTrainingCost(usd float64)
}

// CostTracker prices training runs by wall time. A fixed price wins over the
// price source; a looked-up price is cached for priceTTL.
type CostTracker struct {
	source     PriceSource
	fixedPrice float64
	observer   costObserver
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
}

const priceTTL = 24 * time.Hour

// NewCostTracker creates a cost tracker. Either source or fixedPrice may be
// zero; with neither, no cost is reported.
func NewCostTracker(source PriceSource, fixedPrice float64, observer costObserver, logger *slog.Logger) *CostTracker {
	return &CostTracker{
		source:     source,
		fixedPrice: fixedPrice,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
}

// TrainingCost returns the cost of d hours of training, and false when no
// price is known.
func (ct *CostTracker) TrainingCost(ctx context.Context, d time.Duration) (float64, bool) {
	price, ok := ct.hourlyPrice(ctx)
	if !ok {
		return 0, false
	}
	cost := price * d.Hours()
	if ct.observer != nil {
		ct.observer.ObserveTrainingCost(cost)
	}
	return cost, true
}

func (ct *CostTracker) hourlyPrice(ctx context.Context) (float64, bool) {
	if ct.fixedPrice > 0 {
		return ct.fixedPrice, true
	}
	if ct.source == nil {
		return 0, false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.price > 0 && ct.now().Sub(ct.fetchedAt) < priceTTL {
		return ct.price, true
	}
	price, err := ct.source.HourlyPrice(ctx)
	if err != nil {
		ct.logger.Warn("hourly price lookup failed", "error", err)
		if ct.price > 0 {
			return ct.price, true
		}
		return 0, false
	}
	ct.price = price
	ct.fetchedAt = ct.now()
	return price, true
}
