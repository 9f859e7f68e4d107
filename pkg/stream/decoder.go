package stream

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// dataField is the SSE field that carries protocol records.
const dataField = "data:"

// Decoder turns the chunked response body of a compilation request into
// events. It keeps partial lines between calls to Feed and is not safe for
// concurrent use; each stream owns one Decoder.
type Decoder struct {
	carry []byte

	steps   int
	current int

	pending *pendingArtifact
}

type pendingArtifact struct {
	name   string
	digest string
}

// NewDecoder returns a decoder positioned before the first record.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the carry buffer and returns the events of every
// line it completes. Chunks must be fed in arrival order.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.carry = append(d.carry, chunk...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(d.carry[start:], '\n')
		if i < 0 {
			break
		}
		events = d.line(events, string(d.carry[start:start+i]))
		start += i + 1
	}
	if start > 0 {
		rest := d.carry[start:]
		d.carry = append(make([]byte, 0, len(rest)), rest...)
	}
	return events
}

// Finish ends the stream. An unterminated trailing line is not a record and
// is dropped.
func (d *Decoder) Finish() []Event {
	d.carry = nil
	d.pending = nil
	return nil
}

// Step returns the index of the open step, or 0 if none is open.
func (d *Decoder) Step() int {
	return d.current
}

func (d *Decoder) line(events []Event, raw string) []Event {
	raw = strings.TrimSuffix(raw, "\r")

	// Records normally arrive as SSE data fields. Unframed lines are only
	// accepted when they carry a known key; anything else is transport noise.
	payload, framed := strings.CutPrefix(raw, dataField)
	if framed {
		payload = strings.TrimPrefix(payload, " ")
		if payload == "" {
			return events
		}
	}

	key, value, ok := strings.Cut(payload, ":")
	if !framed && (!ok || !knownKey(key)) {
		return events
	}
	if !ok || !validKey(key) {
		return append(events, d.protocolError(raw, "malformed record"))
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case KeyStep:
		d.steps++
		d.current = d.steps
		return append(events, StepStarted{Index: d.current, Name: value})

	case KeyTerminal:
		return append(events, Terminal{Step: d.current, Text: value + "\n"})

	case KeyName:
		if !validArtifactName(value) {
			d.pending = nil
			return append(events, d.protocolError(raw, "invalid artifact name"))
		}
		d.pending = &pendingArtifact{name: value}
		return events

	case KeySHA256:
		if d.pending == nil {
			return append(events, d.protocolError(raw, "sha256 without preceding name"))
		}
		d.pending.digest = strings.ToLower(strings.TrimSpace(value))
		return events

	case KeyBase64Data:
		return d.artifact(events, raw, value)

	case KeyReturnCode:
		code, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return append(events, d.protocolError(raw, "invalid return code"))
		}
		step := d.current
		d.current = 0
		return append(events, ReturnCode{Step: step, Code: code})

	case KeyError:
		return append(events, ErrorText{Step: d.current, Text: value})

	default:
		return append(events, d.protocolError(raw, "unknown record key "+strconv.Quote(key)))
	}
}

func (d *Decoder) artifact(events []Event, raw, value string) []Event {
	pending := d.pending
	d.pending = nil
	if pending == nil {
		return append(events, d.protocolError(truncate(raw), "base64-data without preceding name"))
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return append(events, d.protocolError(truncate(raw), "invalid base64 payload"))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	trusted := pending.digest == "" || pending.digest == digest

	events = append(events, Artifact{
		Step:     d.current,
		Name:     pending.name,
		Data:     data,
		Declared: pending.digest,
		Digest:   digest,
		Trusted:  trusted,
	})
	if !trusted {
		events = append(events, IntegrityError{
			Step:     d.current,
			Name:     pending.name,
			Expected: pending.digest,
			Actual:   digest,
		})
	}
	return events
}

func (d *Decoder) protocolError(line, reason string) ProtocolError {
	return ProtocolError{Step: d.current, Line: line, Reason: reason}
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

func knownKey(key string) bool {
	switch key {
	case KeyStep, KeyTerminal, KeyName, KeySHA256, KeyBase64Data, KeyReturnCode, KeyError:
		return true
	}
	return false
}

func validArtifactName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// truncate keeps payload-sized lines out of error messages.
func truncate(line string) string {
	const max = 120
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
