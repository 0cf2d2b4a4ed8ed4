// Package payload personalises the message template for each submission.
//
// The body may carry placeholders:
//
//	${seq}               per-bind submission sequence number
//	${bind}              bind id
//	${env:NAME}          environment variable, resolved once at startup
//	${uuid()}            random UUID
//	${random(min,max)}   integer in [min, max]
//	${random_string(n)}  n alphanumeric characters
//	${timestamp}, ${timestamp_ms}, ${date(layout)}
//
// Destinations may be rotated from a file; see LoadDestinations.
package payload

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"smppload/internal/config"
	"smppload/internal/core"
)

// placeholder matches ${name} and ${func(args)}.
var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

type segment struct {
	literal string
	eval    func(sub core.Submission) (string, error)
}

// Renderer builds the message for one submission from the run's template.
// A nil *Renderer leaves messages untouched.
type Renderer struct {
	body  []segment
	dests *Destinations
}

// NewRenderer compiles body. Unknown placeholders, unset environment
// variables and malformed function arguments are reported together.
func NewRenderer(body string, dests *Destinations) (*Renderer, error) {
	segments, err := compile(body)
	if err != nil {
		return nil, err
	}
	return &Renderer{body: segments, dests: dests}, nil
}

// FromConfig builds the renderer for a message section. It returns nil when
// the template needs no per-submission work.
func FromConfig(m config.MessageConfig) (*Renderer, error) {
	var dests *Destinations
	if m.DestinationsFile != "" {
		var err error
		dests, err = LoadDestinations(m.DestinationsFile, Order(m.DestinationsOrder))
		if err != nil {
			return nil, err
		}
	}
	r, err := NewRenderer(m.Body, dests)
	if err != nil {
		return nil, fmt.Errorf("message.body: %w", err)
	}
	if r.Static() {
		return nil, nil
	}
	return r, nil
}

// Static reports whether rendering would return the template unchanged.
func (r *Renderer) Static() bool {
	return r == nil || (r.body == nil && r.dests == nil)
}

// Render returns the message to send for sub. The template in sub.Message
// is never modified.
func (r *Renderer) Render(sub core.Submission) (*core.Message, error) {
	if r.Static() {
		return sub.Message, nil
	}
	msg := *sub.Message
	if r.body != nil {
		var b strings.Builder
		for _, seg := range r.body {
			if seg.eval == nil {
				b.WriteString(seg.literal)
				continue
			}
			v, err := seg.eval(sub)
			if err != nil {
				return nil, err
			}
			b.WriteString(v)
		}
		msg.Body = b.String()
	}
	if r.dests != nil {
		msg.DestAddr = r.dests.Next()
	}
	return &msg, nil
}

// compile splits text into literal and placeholder segments. Text with no
// placeholders compiles to nil.
func compile(text string) ([]segment, error) {
	if !strings.Contains(text, "${") {
		return nil, nil
	}

	var segments []segment
	var result *multierror.Error
	last := 0
	for _, m := range placeholder.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			segments = append(segments, segment{literal: text[last:m[0]]})
		}
		last = m[1]

		seg, err := compilePlaceholder(text[m[2]:m[3]])
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		segments = append(segments, seg)
	}
	if last < len(text) {
		segments = append(segments, segment{literal: text[last:]})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return segments, nil
}

func compilePlaceholder(name string) (segment, error) {
	switch {
	case name == "seq":
		return segment{eval: func(sub core.Submission) (string, error) {
			return strconv.FormatUint(sub.Seq, 10), nil
		}}, nil
	case name == "bind":
		return segment{eval: func(sub core.Submission) (string, error) {
			return strconv.Itoa(sub.BindID), nil
		}}, nil
	case strings.HasPrefix(name, "env:"):
		envName := name[len("env:"):]
		val, ok := os.LookupEnv(envName)
		if !ok {
			return segment{}, fmt.Errorf("env var %q not set", envName)
		}
		return segment{literal: val}, nil
	case name == "timestamp" || name == "timestamp_ms":
		name += "()"
	}

	fn, fname, args, ok := lookupFunction(name)
	if !ok {
		return segment{}, fmt.Errorf("unknown placeholder ${%s}", name)
	}
	// Validates the arguments once so a bad template fails at startup.
	if _, err := fn(args); err != nil {
		return segment{}, fmt.Errorf("function %s: %w", fname, err)
	}
	return segment{eval: func(core.Submission) (string, error) {
		return fn(args)
	}}, nil
}
