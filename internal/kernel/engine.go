// Package kernel is the guest-side execution engine. It runs submitted
// JavaScript against a single persistent namespace and reports the captured
// output, and it never exits because one execution failed.
package kernel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

// Engine owns one Namespace for the lifetime of the kernel process.
type Engine struct {
	ns  *Namespace
	log *logrus.Entry
}

// New creates an Engine with a fresh namespace.
func New(log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{ns: NewNamespace(), log: log}
}

// Execute runs code and classifies the outcome.
func (e *Engine) Execute(code string) (resp wire.ExecuteResponse) {
	var buf bytes.Buffer
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("kernel: execution panicked")
			resp = wire.ExecuteResponse{
				Status: wire.StatusError,
				Output: buf.String() + fmt.Sprintf("\ninternal error: %v", r),
			}
		}
	}()

	_, err := e.ns.Run(code, &buf)
	if err == nil {
		return wire.ExecuteResponse{Status: wire.StatusSuccess, Output: buf.String()}
	}
	return wire.ExecuteResponse{Status: wire.StatusError, Output: buf.String() + "\n" + describe(err)}
}

// describe renders an execution failure the way it is shown to callers.
func describe(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if exit, ok := interrupted.Value().(*ExitError); ok {
			return fmt.Sprintf("[intercepted] exit(%d) was called; the kernel keeps running and the call was aborted", exit.Code)
		}
		return fmt.Sprintf("interrupted: %v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return strings.TrimRight(exception.String(), "\n")
	}
	return err.Error()
}

// Serve reads newline-delimited ExecuteRequests from in and writes one
// newline-delimited ExecuteResponse per request to out, flushing after each.
// It returns nil when in reaches end of stream.
func (e *Engine) Serve(in io.Reader, out io.Writer) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) == 0 && readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return errors.Wrap(readErr, "kernel: read request")
		}

		resp := e.handleLine(line)
		if err := writeLine(w, resp); err != nil {
			return err
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

func (e *Engine) handleLine(line []byte) (resp wire.ExecuteResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = wire.FatalResponse("kernel: %v", r)
		}
	}()
	var req wire.ExecuteRequest
	if err := json.Unmarshal(line, &req); err != nil {
		e.log.WithError(err).Warn("kernel: malformed request line")
		return wire.FatalResponse("kernel: malformed request: %v", err)
	}
	return e.Execute(req.Code)
}

func writeLine(w *bufio.Writer, resp wire.ExecuteResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(wire.FatalResponse("kernel: encode response: %v", err))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "kernel: write response")
	}
	return errors.Wrap(w.Flush(), "kernel: flush response")
}
