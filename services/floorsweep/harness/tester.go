// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package harness

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/floorsweep/services/floorsweep/engine"
	"github.com/AleutianAI/floorsweep/services/floorsweep/fsinfo"
	"github.com/AleutianAI/floorsweep/services/floorsweep/topology"
)

var (
	// ErrExecution marks a recoverable execution failure: timeout, start
	// failure, harness crash or unreadable harness output.
	ErrExecution = errors.New("test execution failed")

	// ErrResetCommand is returned when the reset command fails.
	ErrResetCommand = errors.New("reset command failed")
)

// DefaultTimeout bounds one command when CommandConfig.Timeout is zero.
const DefaultTimeout = 10 * time.Minute

// harnessExitFloor is the first exit code reserved for harness errors
// rather than test failures (126 not executable, 127 not found, signals
// relayed by a shell). A negative exit code means the process itself was
// killed by a signal and is a harness error too.
const harnessExitFloor = 125

func harnessExit(code int) bool {
	return code < 0 || code >= harnessExitFloor
}

// CommandConfig describes one external command.
type CommandConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (c CommandConfig) validate() (CommandConfig, error) {
	if strings.TrimSpace(c.Command) == "" {
		return c, errors.New("command is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c, nil
}

type options struct {
	runner  ProcessRunner
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures an adapter.
type Option func(*options)

// WithRunner replaces the process runner.
func WithRunner(r ProcessRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLimiter paces command starts. Pass the same limiter to the tester and
// the resetter of one device so that the spacing holds across both.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// Pacer returns a limiter that allows one device command per interval, or
// nil when interval is not positive.
func Pacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// pace blocks until the limiter admits one more command. A nil limiter
// never blocks.
func pace(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for device slot: %w", err)
	}
	return nil
}

func buildOptions(opts []Option, component string) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runner == nil {
		o.runner = NewDefaultProcessRunner()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", component)
	return o
}

// CommandTester runs a diagnostic command per candidate configuration.
//
// The command is invoked as
//
//	<command> <args...> --enable <enable-mask text>
//
// Exit code 0 is a pass, any other code below 125 a failure. Stdout lines of
// the form "partial: <fuse key>=<hex>" describe the suspect units.
type CommandTester struct {
	topo    *topology.Topology
	cmd     CommandConfig
	runner  ProcessRunner
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewCommandTester creates a CommandTester for chips of topo.
func NewCommandTester(topo *topology.Topology, cfg CommandConfig, opts ...Option) (*CommandTester, error) {
	if topo == nil {
		return nil, errors.New("topology is required")
	}
	cfg, err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("test command: %w", err)
	}
	o := buildOptions(opts, "harness.CommandTester")
	return &CommandTester{topo: topo, cmd: cfg, runner: o.runner, logger: o.logger, limiter: o.limiter}, nil
}

// RunTest implements engine.Tester.
func (t *CommandTester) RunTest(ctx context.Context, cfg fsinfo.FsInfo) (engine.Outcome, error) {
	args := append(append([]string(nil), t.cmd.Args...), "--enable", cfg.EnableString())
	res, err := t.run(ctx, args)
	if err != nil {
		return engine.Outcome{}, err
	}
	if res.ExitCode == 0 {
		return engine.Outcome{Passed: true}, nil
	}

	out := engine.Outcome{}
	lines, err := parseOutput(res.Stdout)
	if err != nil {
		return engine.Outcome{}, err
	}
	if partial := lines.partials[-1]; len(partial) > 0 {
		pf, err := t.parsePartial(partial)
		if err != nil {
			return engine.Outcome{}, err
		}
		out.PartialFailure = &pf
	}
	return out, nil
}

func (t *CommandTester) run(ctx context.Context, args []string) (RunResult, error) {
	if err := pace(ctx, t.limiter); err != nil {
		return RunResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cmd.Timeout)
	defer cancel()

	start := time.Now()
	res, err := t.runner.Run(ctx, t.cmd.Command, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s timed out after %s", ErrExecution, t.cmd.Command, t.cmd.Timeout)
		}
		return res, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	if harnessExit(res.ExitCode) {
		return res, fmt.Errorf("%w: %s exited %d: %s", ErrExecution, t.cmd.Command, res.ExitCode,
			strings.TrimSpace(string(res.Stderr)))
	}
	t.logger.Debug("test command finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (t *CommandTester) parsePartial(lines []string) (fsinfo.FsInfo, error) {
	pf, err := fsinfo.ParseDisableLog(t.topo, strings.Join(lines, "\n"), fsinfo.SkipPropagation())
	if err != nil {
		return fsinfo.FsInfo{}, fmt.Errorf("%w: partial failure: %w", ErrExecution, err)
	}
	return pf, nil
}

// BatchCommandTester runs several candidates in one command invocation:
//
//	<command> <args...> --batch --enable <text0> --enable <text1> ...
//
// Stdout reports "result[i]: pass|fail" for every candidate and optional
// "partial[i]: <fuse key>=<hex>" lines.
type BatchCommandTester struct {
	*CommandTester
}

// NewBatchCommandTester creates a BatchCommandTester.
func NewBatchCommandTester(topo *topology.Topology, cfg CommandConfig, opts ...Option) (*BatchCommandTester, error) {
	ct, err := NewCommandTester(topo, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &BatchCommandTester{CommandTester: ct}, nil
}

// RunBatch implements engine.BatchTester.
func (b *BatchCommandTester) RunBatch(ctx context.Context, cfgs []fsinfo.FsInfo) ([]engine.Outcome, error) {
	args := append(append([]string(nil), b.cmd.Args...), "--batch")
	for _, cfg := range cfgs {
		args = append(args, "--enable", cfg.EnableString())
	}
	res, err := b.run(ctx, args)
	if err != nil {
		return nil, err
	}
	lines, err := parseOutput(res.Stdout)
	if err != nil {
		return nil, err
	}

	outs := make([]engine.Outcome, len(cfgs))
	for i := range cfgs {
		verdict, ok := lines.results[i]
		if !ok {
			return nil, fmt.Errorf("%w: no result for batch entry %d", ErrExecution, i)
		}
		outs[i].Passed = verdict
		if verdict || len(lines.partials[i]) == 0 {
			continue
		}
		pf, err := b.parsePartial(lines.partials[i])
		if err != nil {
			return nil, err
		}
		outs[i].PartialFailure = &pf
	}
	return outs, nil
}

// harnessOutput is the parsed stdout of a test command. Index -1 holds
// unindexed lines.
type harnessOutput struct {
	results  map[int]bool
	partials map[int][]string
}

func parseOutput(stdout []byte) (harnessOutput, error) {
	out := harnessOutput{results: make(map[int]bool), partials: make(map[int][]string)}
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		tag, value, found := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !found {
			continue
		}
		name, idx, err := splitIndex(tag)
		if name != "partial" && name != "result" {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrExecution, err)
		}
		value = strings.TrimSpace(value)
		switch name {
		case "partial":
			out.partials[idx] = append(out.partials[idx], value)
		case "result":
			switch value {
			case "pass":
				out.results[idx] = true
			case "fail":
				out.results[idx] = false
			default:
				return out, fmt.Errorf("%w: bad result %q", ErrExecution, value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return out, nil
}

// splitIndex parses "name" or "name[i]".
func splitIndex(tag string) (string, int, error) {
	name, rest, found := strings.Cut(tag, "[")
	if !found {
		return tag, -1, nil
	}
	if !strings.HasSuffix(rest, "]") {
		return name, 0, fmt.Errorf("bad tag %q", tag)
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(rest, "]"))
	if err != nil || idx < 0 {
		return name, 0, fmt.Errorf("bad index in %q", tag)
	}
	return name, idx, nil
}

// CommandResetter runs a reset command after every test.
type CommandResetter struct {
	cmd     CommandConfig
	runner  ProcessRunner
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewCommandResetter creates a CommandResetter.
func NewCommandResetter(cfg CommandConfig, opts ...Option) (*CommandResetter, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("reset command: %w", err)
	}
	o := buildOptions(opts, "harness.CommandResetter")
	return &CommandResetter{cmd: cfg, runner: o.runner, logger: o.logger, limiter: o.limiter}, nil
}

// Reset implements engine.Resetter.
func (r *CommandResetter) Reset(ctx context.Context) error {
	if err := pace(ctx, r.limiter); err != nil {
		return fmt.Errorf("%w: %w", ErrResetCommand, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cmd.Timeout)
	defer cancel()

	res, err := r.runner.Run(ctx, r.cmd.Command, r.cmd.Args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResetCommand, err)
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(string(res.Stderr))
		r.logger.Error("reset command failed", slog.Int("exit_code", res.ExitCode), slog.String("stderr", stderr))
		return fmt.Errorf("%w: exit %d: %s", ErrResetCommand, res.ExitCode, stderr)
	}
	return nil
}

// Compile-time interface compliance check.
var (
	_ engine.Tester      = (*CommandTester)(nil)
	_ engine.BatchTester = (*BatchCommandTester)(nil)
	_ engine.Resetter    = (*CommandResetter)(nil)
)
