package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubExit(t *testing.T) *int {
	t.Helper()
	code := -1
	osExit = func(c int) { code = c }
	t.Cleanup(func() {
		osExit = os.Exit
		osWriteFile = os.WriteFile
	})
	return &code
}

func TestHandlePanic_WritesLog(t *testing.T) {
	code := stubExit(t)
	var written string
	osWriteFile = func(name string, data []byte, _ os.FileMode) error {
		assert.Equal(t, panicLogFile, name)
		written = string(data)
		return nil
	}

	func() {
		defer handlePanic()
		panic("worker exploded")
	}()

	assert.Equal(t, 2, *code)
	assert.Contains(t, written, "panic: worker exploded")
	assert.Contains(t, written, "goroutine", "the stack trace is included")
}

func TestHandlePanic_WriteFailure(t *testing.T) {
	code := stubExit(t)
	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	assert.Equal(t, 2, *code)
}

func TestHandlePanic_NoPanic(t *testing.T) {
	code := stubExit(t)
	func() {
		defer handlePanic()
	}()
	assert.Equal(t, -1, *code)
}
