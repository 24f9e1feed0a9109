package syncer

import "context"

// defaultBatchSize is the sub-batch size used when Options leaves it unset.
const defaultBatchSize = 50

// batcher accumulates records across page fetches and hands them downstream
// in fixed-size sub-batches, so a run issues bounded pipelined writes
// instead of one round trip per record. Sub-batches fill across page
// boundaries; finish flushes the remainder at the end of the run.
type batcher[T any] struct {
	size  int
	buf   []T
	flush func(ctx context.Context, batch []T) error
}

func newBatcher[T any](size int, flush func(ctx context.Context, batch []T) error) *batcher[T] {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &batcher[T]{size: size, flush: flush}
}

// add buffers one record, flushing when the sub-batch is full.
func (b *batcher[T]) add(ctx context.Context, rec T) error {
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.size {
		return nil
	}
	return b.drain(ctx)
}

// finish flushes whatever remains buffered.
func (b *batcher[T]) finish(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	return b.drain(ctx)
}

func (b *batcher[T]) drain(ctx context.Context) error {
	batch := b.buf
	b.buf = nil
	return b.flush(ctx, batch)
}
