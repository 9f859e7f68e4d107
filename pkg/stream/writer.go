package stream

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// Writer encodes records in the framing Decoder reads. The compile stub uses
// it to serve builds, and tests use it to produce streams.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter returns a Writer that emits records to w. When w is an
// http.Flusher every record is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Record writes a single key/value record.
func (w *Writer) Record(key, value string) error {
	if w.err != nil {
		return w.err
	}
	if _, err := fmt.Fprintf(w.w, "%s %s: %s\n", dataField, key, value); err != nil {
		w.err = err
		return err
	}
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Step opens a build step.
func (w *Writer) Step(name string) error {
	return w.Record(KeyStep, name)
}

// Terminal writes one line of output. The text must not contain newlines.
func (w *Writer) Terminal(text string) error {
	return w.Record(KeyTerminal, text)
}

// ReturnCode closes the current step.
func (w *Writer) ReturnCode(code int) error {
	return w.Record(KeyReturnCode, fmt.Sprint(code))
}

// Error reports an error message.
func (w *Writer) Error(text string) error {
	return w.Record(KeyError, text)
}

// Artifact writes the name, sha256 and base64-data records of one output.
func (w *Writer) Artifact(name string, data []byte) error {
	sum := sha256.Sum256(data)
	return w.ArtifactWithDigest(name, hex.EncodeToString(sum[:]), data)
}

// ArtifactWithDigest is like Artifact but announces digest verbatim.
func (w *Writer) ArtifactWithDigest(name, digest string, data []byte) error {
	if err := w.Record(KeyName, name); err != nil {
		return err
	}
	if err := w.Record(KeySHA256, digest); err != nil {
		return err
	}
	return w.Record(KeyBase64Data, base64.StdEncoding.EncodeToString(data))
}
