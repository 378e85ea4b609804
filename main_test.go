package main

import (
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWaitForStopOnSignal(t *testing.T) {
	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGTERM

	assert.NoError(t, waitForStop(sig, make(chan error), zap.NewNop()))
}

func TestWaitForStopReturnsServeError(t *testing.T) {
	serveErr := make(chan error, 1)
	bindErr := errors.New("listen tcp :8080: bind: address already in use")
	serveErr <- bindErr

	err := waitForStop(make(chan os.Signal), serveErr, zap.NewNop())
	assert.ErrorIs(t, err, bindErr)
}
