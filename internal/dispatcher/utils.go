package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/pkg/types"
)

const (
	maxBatchSize      = 100
	maxDelay          = 3000 * time.Millisecond
	maxAttempts       = 10
	maxRetryBaseDelay = time.Minute
)

// ApplyOptions overlays the API options on base. Only the fields that are
// set are changed.
func ApplyOptions(base Options, o *types.DispatchOptions) (Options, error) {
	if o == nil {
		return base, validateOptions(base)
	}

	opts := base
	if o.BatchSize != nil {
		opts.BatchSize = *o.BatchSize
	}
	if o.DelayMs != nil {
		opts.Delay = time.Duration(*o.DelayMs) * time.Millisecond
	}
	if o.MaxRetries != nil {
		opts.MaxRetries = *o.MaxRetries
	}
	if o.RetryBaseDelayMs != nil {
		opts.RetryBaseDelay = time.Duration(*o.RetryBaseDelayMs) * time.Millisecond
	}
	return opts, validateOptions(opts)
}

func validateOptions(o Options) error {
	switch {
	case o.BatchSize < 1 || o.BatchSize > maxBatchSize:
		return fmt.Errorf("%w: batch size must be between 1 and %d", ErrInvalidOptions, maxBatchSize)
	case o.Delay < 0 || o.Delay > maxDelay:
		return fmt.Errorf("%w: delay must be between 0 and %s", ErrInvalidOptions, maxDelay)
	case o.MaxRetries < 1 || o.MaxRetries > maxAttempts:
		return fmt.Errorf("%w: max retries must be between 1 and %d", ErrInvalidOptions, maxAttempts)
	case o.RetryBaseDelay < 0 || o.RetryBaseDelay > maxRetryBaseDelay:
		return fmt.Errorf("%w: retry base delay must be between 0 and %s", ErrInvalidOptions, maxRetryBaseDelay)
	}
	return nil
}

func chunk(recipients []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	chunks := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

// normalizeResults returns exactly one result per chunk address, in chunk
// order. A result matches by position when the service leaves the email
// blank, by address otherwise. Addresses still unmatched then take the
// remaining blank-email results in order. Extra results are dropped.
func normalizeResults(chunk []string, results []mailer.Result) []mailer.Result {
	match := make([]int, len(chunk))
	used := make([]bool, len(results))

	for i, addr := range chunk {
		match[i] = -1
		if i < len(results) && !used[i] && (results[i].Email == "" || strings.EqualFold(results[i].Email, addr)) {
			match[i] = i
		} else {
			for j, r := range results {
				if !used[j] && strings.EqualFold(r.Email, addr) {
					match[i] = j
					break
				}
			}
		}
		if match[i] >= 0 {
			used[match[i]] = true
		}
	}

	for i := range chunk {
		if match[i] >= 0 {
			continue
		}
		for j, r := range results {
			if !used[j] && r.Email == "" {
				match[i] = j
				used[j] = true
				break
			}
		}
	}

	out := make([]mailer.Result, len(chunk))
	for i, addr := range chunk {
		if match[i] < 0 {
			out[i] = mailer.Result{Email: addr, Error: fmt.Sprintf("no result returned for %s", addr)}
			continue
		}

		r := results[match[i]]
		r.Email = addr
		if !r.Success && r.Error == "" {
			r.Error = "rejected by mail service"
		}
		out[i] = r
	}
	return out
}

func failedResults(recipients []string, err error) []mailer.Result {
	results := make([]mailer.Result, len(recipients))
	for i, addr := range recipients {
		results[i] = mailer.Result{Email: addr, Error: err.Error()}
	}
	return results
}

// summarize lists every failed address with its error, one per line.
func summarize(results []mailer.Result) string {
	var b strings.Builder
	for _, r := range results {
		if r.Success {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", r.Email, r.Error)
	}
	return b.String()
}
