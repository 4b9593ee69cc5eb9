package kernel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/fcsandbox/internal/wire"
)

func newTestEngine() *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logrus.NewEntry(logger))
}

func TestExecuteCapturesOutput(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`console.log("hello", 42); print("second line")`)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "hello 42\nsecond line\n", resp.Output)
}

func TestExecuteNoOutput(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`var unused = 1 + 2;`)
	assert.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Empty(t, resp.Output)
}

func TestNamespacePersistsAcrossCalls(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`var counter = 40; function bump(n) { counter += n; return counter; }`)
	require.Equal(t, wire.StatusSuccess, resp.Status)

	resp = e.Execute(`bump(1); bump(1); print(counter)`)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "42\n", resp.Output)

	assert.EqualValues(t, 42, e.ns.Get("counter"))
}

func TestSeparateEnginesDoNotShareState(t *testing.T) {
	a := newTestEngine()
	b := newTestEngine()

	require.True(t, a.Execute(`var secret = "a";`).OK())
	resp := b.Execute(`print(typeof secret)`)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "undefined\n", resp.Output)
}

func TestExceptionIsReportedAndRecovered(t *testing.T) {
	e := newTestEngine()
	require.True(t, e.Execute(`var keep = "still here";`).OK())

	resp := e.Execute(`print("before"); throw new Error("boom");`)
	require.Equal(t, wire.StatusError, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Output, "before\n"), resp.Output)
	assert.Contains(t, resp.Output, "boom")
	assert.Contains(t, resp.Output, "at ")

	resp = e.Execute(`print(keep)`)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "still here\n", resp.Output)
}

func TestTypeErrorIsReported(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`var o = null; o.field;`)
	require.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Output, "TypeError")
}

func TestSyntaxErrorIsReported(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`function (`)
	require.Equal(t, wire.StatusError, resp.Status)
	assert.Contains(t, resp.Output, "SyntaxError")
	assert.True(t, e.Execute(`print(1)`).OK())
}

func TestExitIsIntercepted(t *testing.T) {
	for _, code := range []string{`exit(3)`, `process.exit(3)`, `quit(3)`} {
		t.Run(code, func(t *testing.T) {
			e := newTestEngine()
			require.True(t, e.Execute(`var alive = "yes";`).OK())

			resp := e.Execute(`print("partial"); ` + code + `; print("unreachable")`)
			require.Equal(t, wire.StatusError, resp.Status)
			assert.Contains(t, resp.Output, "partial\n")
			assert.Contains(t, resp.Output, "[intercepted]")
			assert.Contains(t, resp.Output, "exit(3)")
			assert.NotContains(t, resp.Output, "unreachable")

			resp = e.Execute(`print(alive)`)
			require.Equal(t, wire.StatusSuccess, resp.Status)
			assert.Equal(t, "yes\n", resp.Output)
		})
	}
}

func TestExitCannotBeCaught(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`try { exit(1) } catch (e) { print("caught") }`)
	require.Equal(t, wire.StatusError, resp.Status)
	assert.NotContains(t, resp.Output, "caught")
}

func TestConsoleFormatsObjects(t *testing.T) {
	e := newTestEngine()

	resp := e.Execute(`console.log({a: 1}, [1, 2], null, undefined)`)
	require.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "{\"a\":1} [1,2] null undefined\n", resp.Output)
}

func TestServeLineProtocol(t *testing.T) {
	e := newTestEngine()

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(wire.ExecuteRequest{Code: `var x = 5;`}))
	require.NoError(t, enc.Encode(wire.ExecuteRequest{Code: `print(x * 2)`}))
	in.WriteString("this is not json\n")
	require.NoError(t, enc.Encode(wire.ExecuteRequest{Code: `throw new Error("nope")`}))
	require.NoError(t, enc.Encode(wire.ExecuteRequest{Code: `print(x)`}))

	var out bytes.Buffer
	require.NoError(t, e.Serve(&in, &out))

	var got []wire.ExecuteResponse
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp wire.ExecuteResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		got = append(got, resp)
	}
	require.Len(t, got, 5)
	assert.Equal(t, wire.StatusSuccess, got[0].Status)
	assert.Equal(t, "10\n", got[1].Output)
	assert.Equal(t, wire.StatusFatal, got[2].Status)
	assert.Equal(t, wire.StatusError, got[3].Status)
	assert.Equal(t, "5\n", got[4].Output)
}

func TestServeFlushesEachResponse(t *testing.T) {
	e := newTestEngine()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- e.Serve(inR, outW) }()

	replies := bufio.NewReader(outR)
	for _, code := range []string{`var n = 1;`, `print(n + 1)`} {
		line, _ := json.Marshal(wire.ExecuteRequest{Code: code})
		_, err := inW.Write(append(line, '\n'))
		require.NoError(t, err)

		reply, err := replies.ReadBytes('\n')
		require.NoError(t, err)
		var resp wire.ExecuteResponse
		require.NoError(t, json.Unmarshal(reply, &resp))
		assert.Equal(t, wire.StatusSuccess, resp.Status)
	}

	inW.Close()
	require.NoError(t, <-done)
}

func TestServeExitsOnEOF(t *testing.T) {
	e := newTestEngine()
	var out bytes.Buffer
	require.NoError(t, e.Serve(strings.NewReader(""), &out))
	assert.Zero(t, out.Len())
}
