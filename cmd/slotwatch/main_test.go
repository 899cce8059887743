// File: cmd/slotwatch/main_test.go
package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/slotwatch/cmd"
	"github.com/xkilldash9x/slotwatch/internal/session"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	execute = cmd.Execute
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(context.Canceled))
	assert.Equal(t, 0, exitCode(errors.Join(errors.New("scan aborted"), context.Canceled)))
	assert.Equal(t, 1, exitCode(session.ErrSessionUnrecoverable))
}

func TestMain_ExitsWithCommandStatus(t *testing.T) {
	defer resetMocks()

	var code = -1
	osExit = func(c int) { code = c }
	execute = func(context.Context) error { return session.ErrSessionUnrecoverable }

	main()
	assert.Equal(t, 1, code)
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("WritesPanicLog", func(t *testing.T) {
		var written []byte
		var path string
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			path, written = name, data
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, code)
		assert.Equal(t, panicLogFile, path)
		require.NotEmpty(t, written)
		assert.Contains(t, string(written), "panic: boom")
		assert.Contains(t, string(written), "goroutine")
	})

	t.Run("WriteFailure", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only fs") }
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 2, code)
	})

	t.Run("NoPanic", func(t *testing.T) {
		osExit = func(int) { t.Fatal("exit must not be called without a panic") }
		func() {
			defer handlePanic()
		}()
	})
}
