package payload

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type function func(args string) (string, error)

var funcRegistry = map[string]function{
	"uuid":          fnUUID,
	"timestamp":     fnTimestamp,
	"timestamp_ms":  fnTimestampMs,
	"random":        fnRandom,
	"random_string": fnRandomString,
	"date":          fnDate,
}

// lookupFunction splits name(args). ok is false when expr is not a call to a
// registered function.
func lookupFunction(expr string) (fn function, name, args string, ok bool) {
	paren := strings.Index(expr, "(")
	if paren == -1 || !strings.HasSuffix(expr, ")") {
		return nil, "", "", false
	}
	name = expr[:paren]
	fn, ok = funcRegistry[name]
	return fn, name, expr[paren+1 : len(expr)-1], ok
}

func fnUUID(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("uuid() takes no arguments")
	}
	return uuid.NewString(), nil
}

func fnTimestamp(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp() takes no arguments")
	}
	return strconv.FormatInt(time.Now().Unix(), 10), nil
}

func fnTimestampMs(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp_ms() takes no arguments")
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10), nil
}

// fnRandom returns an integer in [min, max].
// Usage: random(min,max)
func fnRandom(args string) (string, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 2 {
		return "", fmt.Errorf("random(min,max) requires exactly 2 arguments")
	}
	lo, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid min value: %w", err)
	}
	hi, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid max value: %w", err)
	}
	if lo > hi {
		return "", fmt.Errorf("min (%d) must be <= max (%d)", lo, hi)
	}
	return strconv.FormatInt(lo+rand.Int63n(hi-lo+1), 10), nil
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// fnRandomString returns n random alphanumeric characters.
// Usage: random_string(n)
func fnRandomString(args string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return "", fmt.Errorf("invalid length: %w", err)
	}
	if n <= 0 || n > 1000 {
		return "", fmt.Errorf("length must be in 1..1000, got %d", n)
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rand.Intn(len(alphanumeric))]
	}
	return string(b), nil
}

// fnDate formats the current time with a Go reference layout, RFC 3339 when empty.
// Usage: date(2006-01-02)
func fnDate(args string) (string, error) {
	layout := strings.TrimSpace(args)
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().Format(layout), nil
}
