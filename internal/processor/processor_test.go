package processor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

type fakeFetcher struct {
	result scrape.FetchResult
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(context.Context, string) (scrape.FetchResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeStore struct {
	mu          sync.Mutex
	completed   []scrape.ItemResult
	errors      map[int64]string
	completeErr error
	recordErr   error
}

func (s *fakeStore) MarkItemCompleted(_ context.Context, result scrape.ItemResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return false, s.completeErr
	}
	s.completed = append(s.completed, result)
	return true, nil
}

func (s *fakeStore) RecordItemError(_ context.Context, itemID int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	if s.errors == nil {
		s.errors = map[int64]string{}
	}
	s.errors[itemID] = msg
	return nil
}

func testTask() dispatch.Task {
	return dispatch.Task{Key: "job-7", JobID: "job", ItemID: 7, TargetURL: "https://pitchbook.com/profiles/company/7#overview"}
}

func TestProcessSuccessWritesResult(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: scrape.FetchResult{Success: true, Text: "Acme Corp"}}
	store := &fakeStore{}
	p := New(fetcher, store, nil)

	outcome := p.Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeSucceeded, outcome.Kind)
	require.Len(t, store.completed, 1)
	require.Equal(t, scrape.ItemResult{
		ItemID:   7,
		Text:     "Acme Corp",
		Length:   9,
		FinalURL: "https://pitchbook.com/profiles/company/7#overview",
	}, store.completed[0])
}

func TestProcessFailureIsRetryable(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: scrape.FetchResult{Success: false, Error: "HTTP 500: Internal Server Error"}}
	store := &fakeStore{}
	p := New(fetcher, store, nil)

	outcome := p.Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeRetryable, outcome.Kind)
	require.Equal(t, "HTTP 500: Internal Server Error", outcome.Reason)
	require.Equal(t, "HTTP 500: Internal Server Error", store.errors[7])
	require.Empty(t, store.completed)
}

func TestProcessEmptyTextIsRetryable(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: scrape.FetchResult{Success: true}}
	store := &fakeStore{}
	outcome := New(fetcher, store, nil).Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeRetryable, outcome.Kind)
	require.Equal(t, emptyResultMessage, outcome.Reason)
}

func TestProcessStoreErrorsDoNotChangeOutcome(t *testing.T) {
	t.Parallel()

	store := &fakeStore{completeErr: errors.New("db down"), recordErr: errors.New("db down")}

	ok := New(&fakeFetcher{result: scrape.FetchResult{Success: true, Text: "x"}}, store, nil).
		Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeSucceeded, ok.Kind)

	failed := New(&fakeFetcher{result: scrape.FetchResult{Error: "timeout"}}, store, nil).
		Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeRetryable, failed.Kind)
}

func TestProcessInvalidURLIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	task := testTask()
	task.TargetURL = "ftp://example.com/file"
	outcome := New(fetcher, &fakeStore{}, nil).Process(context.Background(), task)
	require.Equal(t, scrape.OutcomeTerminal, outcome.Kind)
	require.Zero(t, fetcher.calls)
}

func TestProcessCanceledContextIsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: context.Canceled}
	store := &fakeStore{}
	outcome := New(fetcher, store, nil).Process(context.Background(), testTask())
	require.Equal(t, scrape.OutcomeSkipped, outcome.Kind)
	require.Empty(t, store.errors)
}
