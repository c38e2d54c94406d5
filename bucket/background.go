package bucket

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// deleteRetries bounds how often a background deletion retries the
// underlying store before giving up and leaving the blob dangling.
const deleteRetries = 4

// scheduleDeletes queues background deletion of newly orphaned blobs. The
// task for each blob waits until every in-flight read has released its pin
// before touching the store.
func (b *Bucket) scheduleDeletes(ids ...string) {
	for _, id := range ids {
		id := id
		b.timers.Schedule(func() { b.deleteBlob(id) })
	}
}

// deleteBlob removes one orphaned blob. It never reports an error to the
// caller: a blob that cannot be deleted is logged and accepted as storage
// slack.
func (b *Bucket) deleteBlob(id string) {
	b.pins.Wait(id)
	op := func() error {
		return b.blobs.Delete(context.Background(), id)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), deleteRetries)
	if err := backoff.Retry(op, bo); err != nil {
		b.logger.Warn("leaving dangling blob: background delete failed",
			zap.String("blob_id", id),
			zap.Error(err))
	}
}
