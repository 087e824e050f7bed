package jobs_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"pagerobot/internal/jobs"
	"pagerobot/internal/validate"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := func() (string, []string, json.RawMessage, string, validate.Options) {
		return "https://example.com/p", []string{"title", "price"}, nil, "",
			validate.Options{WaitUntil: validate.WaitDOMContentLoaded, TimeoutMs: 30000}
	}

	t.Run("identical inputs hash identically", func(t *testing.T) {
		t.Parallel()

		u, f, s, i, o := base()
		assert.Equal(t, jobs.Fingerprint(u, f, s, i, o), jobs.Fingerprint(u, f, s, i, o))
	})

	t.Run("each input dimension changes the hash", func(t *testing.T) {
		t.Parallel()

		u, f, s, i, o := base()
		ref := jobs.Fingerprint(u, f, s, i, o)

		assert.NotEqual(t, ref, jobs.Fingerprint("https://example.com/q", f, s, i, o))
		assert.NotEqual(t, ref, jobs.Fingerprint(u, []string{"title"}, s, i, o))
		assert.NotEqual(t, ref, jobs.Fingerprint(u, f, s, "prices in EUR", o))

		o2 := o
		o2.TimeoutMs = 5000
		assert.NotEqual(t, ref, jobs.Fingerprint(u, f, s, i, o2))

		o3 := o
		o3.Headers = map[string]string{"User-Agent": "bot"}
		assert.NotEqual(t, ref, jobs.Fingerprint(u, f, s, i, o3))
	})

	t.Run("header order does not matter", func(t *testing.T) {
		t.Parallel()

		u, f, s, i, o := base()
		o.Headers = map[string]string{"A": "1", "B": "2", "C": "3"}
		first := jobs.Fingerprint(u, f, s, i, o)
		for n := 0; n < 10; n++ {
			assert.Equal(t, first, jobs.Fingerprint(u, f, s, i, o))
		}
	})

	t.Run("fields versus equivalent schema differ", func(t *testing.T) {
		t.Parallel()

		u, _, _, i, o := base()
		withFields := jobs.Fingerprint(u, []string{"title"}, nil, i, o)
		withSchema := jobs.Fingerprint(u, nil, json.RawMessage(`{"title":{}}`), i, o)
		assert.NotEqual(t, withFields, withSchema)
	})
}
