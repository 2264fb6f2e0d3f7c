package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsWithArgsDefaults(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{
		"-certfile", "cert.pem",
		"-keyfile", "key.pem",
		"example.com",
	})

	assert.Equal(t, "", action)
	assert.Equal(t, 3389, args.listenPort)
	assert.Equal(t, "", args.bindIP)
	assert.Equal(t, 3, args.downgrade)
	assert.Equal(t, "cert.pem", args.certFile)
	assert.Equal(t, "key.pem", args.keyFile)
	assert.False(t, args.debug)
	assert.Equal(t, "example.com", args.targetHost)
	assert.Equal(t, 3389, args.targetPort)
}

func TestParseFlagsWithArgsOverrides(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{
		"-listen-port", "13389",
		"-bind-ip", "0.0.0.0",
		"-downgrade", "0",
		"-certfile", "cert.pem",
		"-keyfile", "key.pem",
		"-debug",
		"10.0.0.5",
		"33890",
	})

	assert.Equal(t, "", action)
	assert.Equal(t, 13389, args.listenPort)
	assert.Equal(t, "0.0.0.0", args.bindIP)
	assert.Equal(t, 0, args.downgrade)
	assert.True(t, args.debug)
	assert.Equal(t, "10.0.0.5", args.targetHost)
	assert.Equal(t, 33890, args.targetPort)
}

func TestParseFlagsWithArgsHelp(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{"-help"})
	assert.Equal(t, "help", action)
	assert.Equal(t, parsedArgs{}, args)
}

func TestParseFlagsWithArgsVersion(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{"-version"})
	assert.Equal(t, "version", action)
	assert.Equal(t, parsedArgs{}, args)
}

func TestParseFlagsWithArgsNonNumericTargetPortKeepsDefault(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{
		"-certfile", "cert.pem",
		"-keyfile", "key.pem",
		"example.com",
		"not-a-port",
	})
	assert.Equal(t, "", action)
	assert.Equal(t, 3389, args.targetPort)
}

func TestParseFlagsWithArgsUnknownFlagErrors(t *testing.T) {
	args, action := parseFlagsWithArgs([]string{"-nonsense"})
	assert.Equal(t, "error", action)
	assert.Equal(t, parsedArgs{}, args)
}

func TestRunRejectsMissingTarget(t *testing.T) {
	err := run(parsedArgs{
		listenPort: 0,
		certFile:   "cert.pem",
		keyFile:    "key.pem",
	})
	require.Error(t, err)
}

func TestAcceptLoopStopsWhenListenerCloses(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- acceptLoop(listener, nil)
	}()

	require.NoError(t, listener.Close())
	require.Error(t, <-errCh)
}
