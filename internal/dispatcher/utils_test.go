package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/pkg/types"
)

func intPtr(v int) *int { return &v }

func TestChunk(t *testing.T) {
	recipients := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}, chunk(recipients, 1))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunk(recipients, 2))
	assert.Equal(t, [][]string{recipients}, chunk(recipients, 10))
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}, chunk(recipients, 0))
	assert.Empty(t, chunk(nil, 3))
}

func TestNormalizeResults(t *testing.T) {
	t.Run("positional when email is blank", func(t *testing.T) {
		out := normalizeResults([]string{"a@x.com", "b@x.com"}, []mailer.Result{
			{Success: true},
			{Success: false},
		})
		require.Len(t, out, 2)
		assert.Equal(t, mailer.Result{Email: "a@x.com", Success: true}, out[0])
		assert.Equal(t, "b@x.com", out[1].Email)
		assert.Equal(t, "rejected by mail service", out[1].Error)
	})

	t.Run("matches by address case-insensitively", func(t *testing.T) {
		out := normalizeResults([]string{"a@x.com", "b@x.com"}, []mailer.Result{
			{Email: "B@X.com", Success: true, MessageID: "2"},
			{Email: "a@x.com", Success: true, MessageID: "1"},
		})
		assert.Equal(t, "1", out[0].MessageID)
		assert.Equal(t, "2", out[1].MessageID)
		assert.Equal(t, "b@x.com", out[1].Email)
	})

	t.Run("unmatched address takes a spare blank result", func(t *testing.T) {
		out := normalizeResults([]string{"c@x.com"}, []mailer.Result{
			{Email: "zzz@x.com", Success: true, MessageID: "stray"},
			{Success: true, MessageID: "mine"},
		})
		assert.Equal(t, []mailer.Result{{Email: "c@x.com", Success: true, MessageID: "mine"}}, out)
	})

	t.Run("blank results are not taken from later positions", func(t *testing.T) {
		out := normalizeResults([]string{"a@x.com", "b@x.com"}, []mailer.Result{
			{Email: "zzz@x.com", Success: true},
			{Success: true, MessageID: "b"},
		})
		assert.Equal(t, "b", out[1].MessageID)
		assert.Equal(t, "no result returned for a@x.com", out[0].Error)
	})

	t.Run("missing results fail", func(t *testing.T) {
		out := normalizeResults([]string{"a@x.com"}, nil)
		assert.Equal(t, []mailer.Result{{Email: "a@x.com", Error: "no result returned for a@x.com"}}, out)
	})
}

func TestSummarize(t *testing.T) {
	summary := summarize([]mailer.Result{
		{Email: "a@x.com", Success: true},
		{Email: "b@x.com", Error: "rate limited"},
		{Email: "c@x.com", Error: "bounced"},
	})
	assert.Equal(t, "b@x.com: rate limited\nc@x.com: bounced", summary)
}

func TestApplyOptions(t *testing.T) {
	base := DefaultConfig().Options()

	opts, err := ApplyOptions(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base, opts)

	opts, err = ApplyOptions(base, &types.DispatchOptions{
		BatchSize:        intPtr(5),
		DelayMs:          intPtr(3000),
		MaxRetries:       intPtr(1),
		RetryBaseDelayMs: intPtr(200),
	})
	require.NoError(t, err)
	assert.Equal(t, Options{
		BatchSize:      5,
		Delay:          3 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: 200 * time.Millisecond,
	}, opts)

	opts, err = ApplyOptions(base, &types.DispatchOptions{DelayMs: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), opts.Delay)
	assert.Equal(t, base.BatchSize, opts.BatchSize)

	for _, bad := range []*types.DispatchOptions{
		{BatchSize: intPtr(0)},
		{BatchSize: intPtr(101)},
		{DelayMs: intPtr(-1)},
		{DelayMs: intPtr(3001)},
		{MaxRetries: intPtr(0)},
		{RetryBaseDelayMs: intPtr(-5)},
	} {
		_, err := ApplyOptions(base, bad)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}
