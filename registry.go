package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
)

// Matches `nvidia-smi -L` lines like `GPU 0: NVIDIA A100 (UUID: GPU-1234)`
var deviceLinePattern = regexp.MustCompile(`GPU (\d+): ([^\n]+?) \(UUID: (GPU-[0-9A-Za-z-]+)\)`)

// ParseDeviceList extracts the devices of a listing report, in order of appearance.
// Anything that doesn't match the device pattern is ignored.
func ParseDeviceList(report string) Devices {
	matches := deviceLinePattern.FindAllStringSubmatch(report, -1)
	devices := make(Devices, 0, len(matches))
	for _, m := range matches {
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		devices = append(devices, DeviceIdentity{
			Index:    index,
			Name:     m[2],
			UniqueID: m[3],
		})
	}
	return devices
}

type Registry struct {
	tool   string
	args   []string
	logger *slog.Logger

	lookPath func(file string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewRegistry(logger *slog.Logger, tool string, args []string) *Registry {
	return &Registry{
		tool:     tool,
		args:     args,
		logger:   logger,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Discover runs the device listing once.
// nvidia-smi exits non-zero when it finds no GPU, so the report of a failed
// run is still parsed. Only a run that could not happen or printed nothing
// means the tool is unavailable.
func (r *Registry) Discover(ctx context.Context) (Devices, error) {
	path, err := r.lookPath(r.tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToolUnavailable, err)
	}

	out, err := r.run(ctx, path, r.args...)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %w", ErrToolUnavailable, path, err)
		}
		out = append(out, exitErr.Stderr...)
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: %s exited with code %d and no output", ErrToolUnavailable, path, exitErr.ExitCode())
		}
		r.logger.Debug("Device listing exited with an error", "code", exitErr.ExitCode(), "output", string(out))
	}

	devices := ParseDeviceList(string(out))
	if len(devices) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %s printed no matching device line: %w", ErrNoDeviceFound, path, err)
		}
		return nil, fmt.Errorf("%w: %s printed no matching device line", ErrNoDeviceFound, path)
	}

	for _, dev := range devices {
		r.logger.Info("Found gpu", "index", dev.Index, "name", dev.Name, "uuid", dev.UniqueID)
	}
	return devices, nil
}
