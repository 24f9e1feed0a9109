package syncer

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrStopped is returned when the advisory stop-all flag interrupts a
// paginated run between pages. In-flight page fetches are never killed.
var ErrStopped = errors.New("sync stopped by request")

// Options carries the shared pagination discipline every list-style
// processor follows.
type Options struct {
	// PageDelay is the fixed suspension between page fetches, respecting
	// the platform's rate limits.
	PageDelay time.Duration
	// MaxPages bounds worst-case run time even if the platform hands out
	// continuation tokens forever.
	MaxPages int
	// Stop, when set, is checked between pages; a true result abandons the
	// run.
	Stop func(ctx context.Context) bool
	// BatchSize is the number of records accumulated before a sub-batch is
	// written to the store in one pipelined round trip.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.PageDelay == 0 {
		o.PageDelay = 250 * time.Millisecond
	}
	if o.MaxPages == 0 {
		o.MaxPages = 50
	}
	if o.BatchSize == 0 {
		o.BatchSize = defaultBatchSize
	}
	return o
}

// paginate drives a continuation-token loop. fetch processes one page and
// returns the next token, empty on the last page. Pages run strictly in
// token order; the loop stops at the hard page cap rather than trusting the
// platform to terminate.
func paginate(ctx context.Context, opts Options, fetch func(ctx context.Context, token string) (string, error)) error {
	opts = opts.withDefaults()
	token := ""
	for page := 1; ; page++ {
		if opts.Stop != nil && opts.Stop(ctx) {
			return ErrStopped
		}
		next, err := fetch(ctx, token)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		if page >= opts.MaxPages {
			log.Printf("syncer: stopping at page cap %d with continuation token still present", opts.MaxPages)
			return nil
		}
		token = next
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PageDelay):
		}
	}
}
