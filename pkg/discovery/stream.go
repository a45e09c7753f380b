package discovery

import (
	"context"

	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Stream yields eligible orders lazily. A page is fetched only when the
// buffered orders run out. A Stream is finite and cannot be restarted.
//
//	st := scanner.DiscoverStream(opts)
//	for st.Next(ctx) {
//		handle(st.Order())
//	}
//	if err := st.Err(); err != nil { ... }
type Stream struct {
	scanner *Scanner
	filters eligibility.Filters
	cursor  string
	buf     []models.EligibleOrder
	current models.EligibleOrder
	done    bool
	err     error
	pages   int
}

// DiscoverStream starts a lazy scan at opts.Cursor. Limit is ignored.
func (s *Scanner) DiscoverStream(opts DiscoverOptions) *Stream {
	return &Stream{
		scanner: s,
		filters: opts.Filters,
		cursor:  opts.Cursor,
	}
}

// Next advances to the next eligible order, fetching a page if needed
func (st *Stream) Next(ctx context.Context) bool {
	for len(st.buf) == 0 {
		if st.done || st.err != nil {
			return false
		}
		st.fill(ctx)
	}

	st.current = st.buf[0]
	st.buf = st.buf[1:]
	return true
}

func (st *Stream) fill(ctx context.Context) {
	page, eligible, err := st.scanner.scanPage(ctx, st.cursor, st.filters)
	if err != nil {
		st.err = err
		return
	}
	st.pages++

	for _, e := range eligible {
		if e != nil {
			st.buf = append(st.buf, *e)
		}
	}
	eligibility.SortByUrgency(st.buf)

	if !page.HasNext {
		st.done = true
		return
	}
	if err := checkProgress(st.cursor, page); err != nil {
		st.err = err
		return
	}
	st.cursor = page.NextCursor
}

// Order returns the order Next moved to
func (st *Stream) Order() models.EligibleOrder {
	return st.current
}

// Err returns the page fetch error that ended the stream, if any
func (st *Stream) Err() error {
	return st.err
}

// PagesFetched returns the number of pages pulled so far
func (st *Stream) PagesFetched() int {
	return st.pages
}
