// Package processor runs one dispatched item through the scraper service and
// records what happened. It reports an explicit outcome and never decides
// whether the item is retried.
package processor

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const emptyResultMessage = "Scraping failed with no error message"

// ResultStore is the slice of the item store the processor writes to.
type ResultStore interface {
	MarkItemCompleted(ctx context.Context, result scrape.ItemResult) (bool, error)
	RecordItemError(ctx context.Context, itemID int64, msg string) error
}

// Processor fetches an item's target URL and stores the result.
type Processor struct {
	fetcher scrape.Fetcher
	store   ResultStore
	logger  *zap.Logger
}

// New constructs a Processor.
func New(fetcher scrape.Fetcher, store ResultStore, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{fetcher: fetcher, store: store, logger: logger}
}

// Process handles one task. Store write failures are logged and do not change
// the outcome.
func (p *Processor) Process(ctx context.Context, task dispatch.Task) scrape.Outcome {
	log := p.logger.With(
		zap.String("job_id", task.JobID),
		zap.Int64("item_id", task.ItemID),
		zap.Int("attempt", task.RetryCount),
	)
	if err := scrape.ValidateTargetURL(task.TargetURL); err != nil {
		log.Warn("invalid target url", zap.String("url", task.TargetURL), zap.Error(err))
		return scrape.Terminal(err.Error())
	}

	result, err := p.fetcher.Fetch(ctx, task.TargetURL)
	if err != nil {
		// Only a canceled caller context gets here; the attempt did not happen.
		log.Info("fetch interrupted", zap.Error(err))
		return scrape.Skipped(err.Error())
	}

	if !result.Success || result.Text == "" {
		msg := result.Error
		if msg == "" {
			msg = emptyResultMessage
		}
		if err := p.store.RecordItemError(ctx, task.ItemID, msg); err != nil {
			log.Error("record item error failed", zap.Error(err))
		}
		log.Warn("scrape attempt failed", zap.String("url", task.TargetURL), zap.String("error", msg))
		outcome := scrape.Retryable(msg)
		outcome.Result = result
		return outcome
	}

	length := result.Length
	if length == 0 {
		length = utf8.RuneCountInString(result.Text)
	}
	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = task.TargetURL
	}
	moved, err := p.store.MarkItemCompleted(ctx, scrape.ItemResult{
		ItemID:   task.ItemID,
		Text:     result.Text,
		Length:   length,
		FinalURL: finalURL,
	})
	switch {
	case err != nil:
		log.Error("mark item completed failed", zap.Error(err))
	case !moved:
		log.Debug("item was already finished; result not recorded")
	default:
		log.Info("item completed", zap.Int("length", length), zap.Duration("duration", result.Duration))
	}
	return scrape.Succeeded(result)
}
