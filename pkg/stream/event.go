package stream

import "fmt"

// Record keys understood by the decoder.
const (
	KeyStep       = "step"
	KeyTerminal   = "terminal"
	KeyName       = "name"
	KeySHA256     = "sha256"
	KeyBase64Data = "base64-data"
	KeyReturnCode = "returncode"
	KeyError      = "error"
)

// Event is one decoded unit of build progress. The set of implementations is
// closed: StepStarted, Terminal, ReturnCode, ErrorText, Artifact,
// ProtocolError and IntegrityError.
//
// A Step of 0 means the event belongs to the attempt rather than a step.
type Event interface {
	event()
}

// StepStarted opens a new build step. Index is 1-based.
type StepStarted struct {
	Index int
	Name  string
}

// Terminal carries one line of terminal output, newline included.
type Terminal struct {
	Step int
	Text string
}

// ReturnCode closes a step with its exit status.
type ReturnCode struct {
	Step int
	Code int
}

// ErrorText is an error message reported by the build service.
type ErrorText struct {
	Step int
	Text string
}

// Artifact is a reconstructed binary output. Trusted is false when the
// computed digest does not match the declared one.
type Artifact struct {
	Step     int
	Name     string
	Data     []byte
	Declared string
	Digest   string
	Trusted  bool
}

// ProtocolError reports a record that could not be interpreted. Decoding
// continues after it.
type ProtocolError struct {
	Step   int
	Line   string
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
}

// IntegrityError reports an artifact whose SHA-256 differs from the digest
// announced before its payload.
type IntegrityError struct {
	Step     int
	Name     string
	Expected string
	Actual   string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: %s: expected sha256 %s, got %s", e.Name, e.Expected, e.Actual)
}

func (StepStarted) event()    {}
func (Terminal) event()       {}
func (ReturnCode) event()     {}
func (ErrorText) event()      {}
func (Artifact) event()       {}
func (ProtocolError) event()  {}
func (IntegrityError) event() {}
