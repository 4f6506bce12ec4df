package dispatcher

import "github.com/georgeshao/mail-dam/internal/mailer"

// Progress is a snapshot of a run's counters.
type Progress struct {
	Total  int
	Sent   int
	Failed int
}

func (p Progress) Done() bool {
	return p.Sent+p.Failed == p.Total
}

// Observer receives the recomputed progress after every chunk, together with
// the results that chunk produced. It is also called once before the first
// send with a nil chunk. Observers run on the dispatch goroutine and should
// return quickly.
type Observer func(p Progress, chunk []mailer.Result)

func tally(total int, results []mailer.Result) Progress {
	p := Progress{Total: total}
	for _, r := range results {
		if r.Success {
			p.Sent++
		} else {
			p.Failed++
		}
	}
	return p
}
