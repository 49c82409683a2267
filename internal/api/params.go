package api

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

type listQuery struct {
	org      string
	from, to time.Time
	limit    int
}

// parseQuery reads the org, from, to and limit parameters shared by the
// list endpoints. It writes a 400 and returns false on bad input.
func parseQuery(c *gin.Context) (listQuery, bool) {
	q := listQuery{org: c.Query("org")}
	if q.org == "" {
		badRequest(c, "org is required")
		return q, false
	}
	var err error
	if raw := c.Query("from"); raw != "" {
		if q.from, err = parseTime(raw); err != nil {
			badRequest(c, "invalid from: "+err.Error())
			return q, false
		}
	}
	if raw := c.Query("to"); raw != "" {
		if q.to, err = parseTime(raw); err != nil {
			badRequest(c, "invalid to: "+err.Error())
			return q, false
		}
	}
	if !q.from.IsZero() && !q.to.IsZero() && !q.from.Before(q.to) {
		badRequest(c, "from must be before to")
		return q, false
	}
	if raw := c.Query("limit"); raw != "" {
		if q.limit, err = strconv.Atoi(raw); err != nil || q.limit <= 0 {
			badRequest(c, "limit must be a positive integer")
			return q, false
		}
	}
	return q, true
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("%q is not RFC 3339 or YYYY-MM-DD", s)
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
