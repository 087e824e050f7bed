package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"pagerobot/internal/validate"
)

// Fingerprint derives the deterministic cache key for an extraction:
// identical url + fields/schema + instructions + options always hash
// to the same value. Header and cookie inputs are included because
// they can change what the target serves.
func Fingerprint(url string, fields []string, schema json.RawMessage, instructions string, opts validate.Options) string {
	h := xxhash.New()

	write := func(parts ...string) {
		for _, p := range parts {
			h.WriteString(p)
			h.WriteString("\x1f")
		}
	}

	write("v1", url, strings.Join(fields, ","), string(schema), instructions)
	write(opts.WaitUntil, strconv.Itoa(opts.TimeoutMs), strconv.FormatBool(opts.Screenshot), opts.Proxy)

	headerKeys := make([]string, 0, len(opts.Headers))
	for k := range opts.Headers {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)
	for _, k := range headerKeys {
		write(k, opts.Headers[k])
	}
	for _, c := range opts.Cookies {
		write(c.Name, c.Value, c.Domain, c.Path)
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
