package main

import "errors"

var (
	// Fatal, the process exits with a code telling them apart
	ErrToolUnavailable = errors.New("monitoring tool unavailable")
	ErrNoDeviceFound   = errors.New("no gpu found")
	ErrConnectFailure  = errors.New("cannot connect to mqtt broker")

	// Recoverable, never escape the ingest loop
	ErrMalformedRow   = errors.New("malformed row")
	ErrUnknownDevice  = errors.New("unknown device index")
	ErrPublishTimeout = errors.New("publish not acknowledged in time")
)

const (
	exitOK = iota
	exitFailure
	exitToolUnavailable
	exitNoDevice
	exitConnectFailure
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrToolUnavailable):
		return exitToolUnavailable
	case errors.Is(err, ErrNoDeviceFound):
		return exitNoDevice
	case errors.Is(err, ErrConnectFailure):
		return exitConnectFailure
	default:
		return exitFailure
	}
}

// guidance is the operator facing hint printed along a fatal error.
func guidance(err error) string {
	switch {
	case errors.Is(err, ErrToolUnavailable):
		return "nvidia-smi could not be run: install the NVIDIA driver utilities or point --smi-path at the binary"
	case errors.Is(err, ErrNoDeviceFound):
		return "nvidia-smi runs but lists no GPU: nothing to monitor on this host"
	case errors.Is(err, ErrConnectFailure):
		return "the MQTT broker is unreachable: check MQTT_BROKER, MQTT_PORT and the credentials"
	default:
		return ""
	}
}
