// inbox-agent is the long-running client of the omnichannel inbox: it holds
// the agent's credential, keeps the realtime subscription and the reconciled
// inbox view, and serves a local surface for OAuth redirects.
//
// Usage:
//
//	inbox-agent [--env-file .env] login --email ... --password ...
//	inbox-agent run
//	inbox-agent connect FACEBOOK|INSTAGRAM|WHATSAPP [flags]
//	inbox-agent logout
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"inbox/internal/config"
	"inbox/internal/logging"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *agent, args []string) error
}

var commands = []command{
	{"login", "sign in and persist the credential", runLogin},
	{"run", "start the realtime inbox and the local surface", runAgent},
	{"connect", "attach a channel to the organization", runConnect},
	{"logout", "end the session and clear local storage", runLogout},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var envFiles []string
	flagSet := pflag.NewFlagSet("inbox-agent", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}
	cmd, ok := lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}

	if err := config.LoadDotEnv(envFiles...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfg := config.LoadAgent()
	logger := logging.Init("inbox-agent", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	return cmd.run(ctx, a, args[1:])
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: inbox-agent [flags] <command> [command flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flagSet.FlagUsages())
}
