package storage

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dgraph-io/badger/v4"
)

// TxnRetryOptions retries optimistic-concurrency conflicts with a short
// linear-ish backoff.
func TxnRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(5),
		retry.Delay(10 * time.Millisecond),
		retry.MaxDelay(200 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTxnConflict),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// IsTxnConflict reports whether err is badger's commit-time conflict.
func IsTxnConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

// Update runs fn in a read-write transaction, retrying on conflict.
// fn must be safe to re-run.
func Update(ctx context.Context, db *badger.DB, fn func(txn *badger.Txn) error) error {
	return retry.Do(func() error {
		return db.Update(fn)
	}, TxnRetryOptions(ctx)...)
}
