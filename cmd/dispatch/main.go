// Command dispatch runs one dispatch pass from the command line. It is a dry
// run unless -no-dry is given.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/app"
	"github.com/lalithlochan/partyline/internal/config"
	"github.com/lalithlochan/partyline/internal/dispatch"
	"github.com/lalithlochan/partyline/internal/observ"
)

type idList []uuid.UUID

func (l *idList) String() string {
	parts := make([]string, len(*l))
	for i, id := range *l {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func (l *idList) Set(v string) error {
	id, err := uuid.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", v, err)
	}
	*l = append(*l, id)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		noDry    = flag.Bool("no-dry", false, "actually send messages")
		force    = flag.Bool("force", false, "resend messages that were already delivered")
		wait     = flag.Bool("wait", false, "reload delivery statuses before printing the report")
		refresh  = flag.Duration("refresh", 0, "how long -wait sleeps, defaults to WAIT_DELAY")
		yes      = flag.Bool("y", false, "do not ask for confirmation")
		event    = flag.String("event", "", "event id, defaults to the next open event")
		messages idList
		people   idList
	)
	flag.Var(&messages, "message", "only send this message id (repeatable)")
	flag.Var(&people, "person", "only send to this person id (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opts := dispatch.Options{
		Recipients: people,
		Messages:   messages,
		Force:      *force,
		DryRun:     !*noDry,
		Wait:       *wait,
		Refresh:    *refresh,
		Trigger:    "cli",
	}
	if *event != "" {
		id, err := uuid.Parse(*event)
		if err != nil {
			return fmt.Errorf("invalid -event: %w", err)
		}
		opts.EventID = id
	}

	if !opts.DryRun && !cfg.Debug && !*yes {
		if !confirm(fmt.Sprintf("Send messages for real with provider %q? [y/N] ", cfg.Provider)) {
			fmt.Println("aborted")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Dispatcher.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	logger.Info("dispatch finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("forced", opts.Force),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
