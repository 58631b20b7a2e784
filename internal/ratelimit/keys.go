package ratelimit

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// keyBuilder derives store keys. The subject sits in a hash tag so every key
// of one admission lands in the same Redis cluster slot.
//
//	<prefix>:{<subject>}:<dimension>:<resource|*>:<window_ms>:<rule|->
//
// The rule name keeps two rules with the same shape on separate counters.
// Token buckets append the bucket start in ms.
type keyBuilder struct {
	prefix string
}

var tagReplacer = strings.NewReplacer("{", "_", "}", "_")

func (k keyBuilder) rule(subject string, r Rule) string {
	resource := r.Resource
	if resource == "" {
		resource = "*"
	}

	var b strings.Builder
	b.WriteString(k.prefix)
	b.WriteString(":{")
	b.WriteString(tagReplacer.Replace(subject))
	b.WriteString("}:")
	b.WriteString(string(r.Dimension))
	b.WriteByte(':')
	b.WriteString(resource)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(r.Window.Milliseconds(), 10))
	b.WriteByte(':')
	if r.Name == "" {
		b.WriteByte('-')
	} else {
		b.WriteString(r.Name)
	}
	return b.String()
}

// bucket returns the key of the fixed usage bucket containing now and the
// time the bucket ends
func (k keyBuilder) bucket(subject string, r Rule, now time.Time) (string, time.Time) {
	start, end := bucketBounds(r.Window, now)
	return k.rule(subject, r) + ":" + strconv.FormatInt(start.UnixMilli(), 10), end
}

// bucketBounds aligns fixed usage buckets to multiples of window, so daily
// buckets roll over at UTC midnight
func bucketBounds(window time.Duration, now time.Time) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

// SubjectFromOrigin picks the subject of a call: the tenant when known,
// otherwise the caller's network address
func SubjectFromOrigin(tenantID, remoteAddr string) string {
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		return tenantID
	}

	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return "anonymous"
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	return "ip:" + remoteAddr
}
