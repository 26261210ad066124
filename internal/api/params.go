package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const dateLayout = "2006-01-02"

// parseRange reads the from/to query parameters. Both accept RFC 3339 or a
// bare date; a bare "to" date includes that whole day.
func parseRange(r *http.Request) (domain.DateRange, error) {
	var out domain.DateRange
	q := r.URL.Query()

	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return out, fmt.Errorf("%w: invalid from %q", domain.ErrValidation, v)
		}
		out.From = t
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return out, fmt.Errorf("%w: invalid to %q", domain.ErrValidation, v)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		out.To = t
	}

	if !out.From.IsZero() && !out.To.IsZero() && !out.From.Before(out.To) {
		return out, fmt.Errorf("%w: from must be before to", domain.ErrValidation)
	}
	return out, nil
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// intParam reads an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return n, nil
}
