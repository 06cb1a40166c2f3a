// Package tracing runs external diagnostic commands under OpenTelemetry spans
// with argument redaction and bounded output capture.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Result captures one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RunCommand executes a diagnostic command and records a span describing it.
// Sensitive arguments are redacted before they reach span attributes.
func RunCommand(ctx context.Context, name string, args []string, dir string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name = strings.TrimSpace(name)
	dir = strings.TrimSpace(dir)
	if name == "" {
		return Result{}, errors.New("command name must not be empty")
	}
	if dir == "" {
		return Result{}, errors.New("working directory must not be empty")
	}

	_, span := otel.Tracer("graphbridge/tracing").Start(
		ctx,
		"command.exec",
		trace.WithAttributes(
			attribute.String("command", FormatCommand(name, RedactArgs(args))),
			attribute.String("cwd", dir),
		),
	)

	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		ExitCode: resolveExitCode(cmd, err, ctx),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if strings.EqualFold(name, "git") {
		operation := ""
		if len(args) > 0 {
			operation = strings.TrimSpace(args[0])
		}
		span.SetAttributes(
			attribute.String("operation", operation),
			attribute.Int("changed_files", estimateChangedFiles(operation, result.Stdout)),
		)
	}
	if result.Stdout != "" {
		span.AddEvent(
			"command.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes))),
		)
	}
	if result.Stderr != "" {
		span.AddEvent(
			"command.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, WrapExecutionError(name, args, err)
	}

	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

func resolveExitCode(cmd *exec.Cmd, runErr error, ctx context.Context) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func estimateChangedFiles(operation, stdout string) int {
	if strings.TrimSpace(operation) != "diff" {
		return 0
	}
	count := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values that follow sensitive flags and the value half of
// sensitive key=value pairs.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && IsSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if IsSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

// IsSensitiveToken reports whether a lowercased key or flag looks like it
// carries a credential.
func IsSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(name string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(name, args), err)
}
