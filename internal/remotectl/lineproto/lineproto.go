// Package lineproto implements the wire encoding for the remote
// control surface: single-line, ';'-delimited requests and a literal
// "true"/"false" reply, kept separate from the server that dispatches
// the decoded command.
package lineproto

import (
	"strconv"
	"strings"
)

// Verb identifies which remote control operation a line requests.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbFilter
	VerbUnfilter
	VerbAddCommand
	VerbClose
)

// Request is one decoded line of the remote control protocol.
type Request struct {
	Verb   Verb
	Serial string
	Millis int64
	Args   []string
}

// Decode parses a single protocol line. Anything malformed or
// unrecognized decodes to the zero Request (VerbUnknown), which the
// server answers with "false" per the unknown-verbs rule.
func Decode(line string) Request {
	tokens := strings.Split(strings.TrimRight(line, "\r\n"), ";")
	if len(tokens) == 0 || tokens[0] == "" {
		return Request{}
	}

	switch tokens[0] {
	case "filter":
		if len(tokens) != 2 {
			return Request{}
		}
		return Request{Verb: VerbFilter, Serial: tokens[1]}

	case "unfilter":
		if len(tokens) != 2 {
			return Request{}
		}
		return Request{Verb: VerbUnfilter, Serial: tokens[1]}

	case "add_command":
		if len(tokens) < 2 {
			return Request{}
		}
		millis, err := strconv.ParseInt(tokens[1], 10, 64)
		if err != nil {
			return Request{}
		}
		return Request{Verb: VerbAddCommand, Millis: millis, Args: append([]string(nil), tokens[2:]...)}

	case "close":
		return Request{Verb: VerbClose}

	default:
		return Request{}
	}
}

// EncodeBool renders the protocol's literal boolean reply line.
func EncodeBool(ok bool) string {
	if ok {
		return "true\n"
	}
	return "false\n"
}
