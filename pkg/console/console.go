// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package console is an interactive shell for inspecting and editing hook
// handlers while stepping the simulation by hand.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/native"
	"github.com/mbeema/simhooks/pkg/report"
	"go.uber.org/zap"
)

// ErrUsage is returned for malformed commands.
var ErrUsage = errors.New("usage")

// Engine advances the simulation one step at a time. *engine.Engine
// implements it.
type Engine interface {
	native.Stepper
	Step() error
}

// Option configures a Console.
type Option func(*Console)

// WithReload backs the reload command.
func WithReload(fn func() error) Option {
	return func(c *Console) { c.reload = fn }
}

// Console executes shell commands against a hook table.
type Console struct {
	table  *callback.Table
	eng    Engine
	out    io.Writer
	logger *zap.Logger
	reload func() error
}

type command struct {
	usage string
	help  string
	run   func(c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":        {"help", "show this help", (*Console).cmdHelp},
		"hooks":       {"hooks", "list hooks with handler counts", (*Console).cmdHooks},
		"show":        {"show <hook>", "show handlers and timers of a hook", (*Console).cmdShow},
		"install":     {"install <hook> <name>", "install a handler by name", (*Console).cmdInstall},
		"uninstall":   {"uninstall <hook> <name>", "uninstall a handler by name", (*Console).cmdUninstall},
		"isinstalled": {"isinstalled <hook> <name>", "report whether a handler is installed", (*Console).cmdIsInstalled},
		"step":        {"step [n]", "run n steps (default 1)", (*Console).cmdStep},
		"report":      {"report [min]", "print handler timings above min (default 0s)", (*Console).cmdReport},
		"reload":      {"reload", "reload the hook script", (*Console).cmdReload},
	}
}

// New creates a console writing to out.
func New(table *callback.Table, eng Engine, out io.Writer, logger *zap.Logger, opts ...Option) *Console {
	c := &Console{table: table, eng: eng, out: out, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exec runs one command line. It reports quit for "quit" and "exit".
func (c *Console) Exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]
	if name == "quit" || name == "exit" || name == "q" {
		return true, nil
	}
	cmd, ok := commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
	return false, cmd.run(c, args)
}

// Run reads commands until quit, EOF, interrupt or ctx is done.
func (c *Console) Run(ctx context.Context, prompt string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		quit, err := c.Exec(input)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

func (c *Console) completer() *readline.PrefixCompleter {
	hooks := func(string) []string {
		names := callback.Names()
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = string(n)
		}
		return out
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("hooks"),
		readline.PcItem("show", readline.PcItemDynamic(hooks)),
		readline.PcItem("install", readline.PcItemDynamic(hooks)),
		readline.PcItem("uninstall", readline.PcItemDynamic(hooks)),
		readline.PcItem("isinstalled", readline.PcItemDynamic(hooks)),
		readline.PcItem("step"),
		readline.PcItem("report"),
		readline.PcItem("reload"),
		readline.PcItem("quit"),
	)
}

func usage(name string) error {
	return fmt.Errorf("%w: %s", ErrUsage, commands[name].usage)
}

func (c *Console) cmdHelp(_ []string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(c.out, "  %-28s %s\n", commands[n].usage, commands[n].help)
	}
	fmt.Fprintf(c.out, "  %-28s %s\n", "quit", "leave the console")
	return nil
}

func (c *Console) cmdHooks(_ []string) error {
	for _, s := range c.table.Snapshot() {
		var flags []string
		if s.Policy.SingleSlot {
			flags = append(flags, "single-slot")
		}
		if s.Policy.CallOnce {
			flags = append(flags, "call-once")
		}
		if s.Policy.Unsupported {
			flags = append(flags, "unsupported")
		}
		state := "detached"
		if s.Attached {
			state = "attached"
		}
		fmt.Fprintf(c.out, "%-18s %2d handler(s)  %-8s %s\n",
			s.Name, len(s.Handlers), state, strings.Join(flags, ","))
	}
	return nil
}

func (c *Console) lookup(name string) (*callback.Registry, error) {
	return c.table.Lookup(name)
}

func (c *Console) cmdShow(args []string) error {
	if len(args) != 1 {
		return usage("show")
	}
	reg, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	s := reg.Snapshot()
	fmt.Fprintf(c.out, "%s: %s\n", s.Name, s.Name.Description())
	if s.Attached {
		fmt.Fprintf(c.out, "  attachment %s\n", s.AttachmentID)
	}
	for i, e := range s.Handlers {
		fmt.Fprintf(c.out, "  %d. %s:%s\n", i+1, e.Kind, e.Name)
	}
	for _, tm := range s.Timers {
		fmt.Fprintf(c.out, "  timer %-20s %10.4fs\n", tm.Handler, tm.Total.Seconds())
	}
	fmt.Fprintf(c.out, "  passes %d, total %.4fs\n", s.Passes, s.Total.Seconds())
	return nil
}

func (c *Console) cmdInstall(args []string) error {
	if len(args) != 2 {
		return usage("install")
	}
	reg, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	if err := reg.Install(callback.Named(args[1])); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "installed %s on %s\n", args[1], reg.Name())
	return nil
}

func (c *Console) cmdUninstall(args []string) error {
	if len(args) != 2 {
		return usage("uninstall")
	}
	reg, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	if err := reg.Uninstall(callback.Named(args[1])); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "uninstalled %s from %s\n", args[1], reg.Name())
	return nil
}

// cmdIsInstalled matches by display name, so a handler installed by name
// is still found after it resolves.
func (c *Console) cmdIsInstalled(args []string) error {
	if len(args) != 2 {
		return usage("isinstalled")
	}
	reg, err := c.lookup(args[0])
	if err != nil {
		return err
	}
	if reg.Policy().Unsupported {
		_, err := reg.IsInstalled(callback.Named(args[1]))
		return err
	}
	found := false
	for _, e := range reg.Entries() {
		if e.Name == args[1] {
			found = true
			break
		}
	}
	fmt.Fprintln(c.out, found)
	return nil
}

func (c *Console) cmdStep(args []string) error {
	n := 1
	switch len(args) {
	case 0:
	case 1:
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return usage("step")
		}
		n = v
	default:
		return usage("step")
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := c.eng.Step(); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "step %d (%s)\n", c.eng.CurrentStep(), time.Since(start).Round(time.Microsecond))
	return nil
}

func (c *Console) cmdReport(args []string) error {
	opts := report.Options{Format: report.FormatText}
	switch len(args) {
	case 0:
	case 1:
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return usage("report")
		}
		opts.MinTotal = d
	default:
		return usage("report")
	}
	return report.Write(c.out, c.table, c.eng, opts)
}

func (c *Console) cmdReload(_ []string) error {
	if c.reload == nil {
		return errors.New("no script to reload")
	}
	if err := c.reload(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "reloaded")
	c.logger.Info("script reloaded from console")
	return nil
}
