// Command homectl sends direct commands to a running engine through its asynq inbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"homecore/internal/config"
	"homecore/internal/models"
	"homecore/internal/taskqueue"
)

const usage = `usage: homectl [flags] <command>

commands:
  switch <uid> on|off|toggle|push   send a direct command to a device
  scenario <id>                     work out a scenario now

flags:
`

var errUsage = errors.New("bad usage")

// Enqueuer is the inbox client used by the commands
type Enqueuer interface {
	EnqueueSwitch(ctx context.Context, uid string, cmd models.Command) (*asynq.TaskInfo, error)
	EnqueueScenario(ctx context.Context, id int64) (*asynq.TaskInfo, error)
}

func main() {
	defaults := config.RedisConfig{Addr: "localhost:6379"}
	if cfg, err := config.LoadConfig(); err == nil {
		defaults = cfg.Redis
	}

	flags := pflag.NewFlagSet("homectl", pflag.ContinueOnError)
	addr := flags.String("redis-addr", defaults.Addr, "Redis address of the engine inbox")
	password := flags.String("redis-password", defaults.Password, "Redis password")
	dbIndex := flags.Int("redis-db", defaults.DB, "Redis database")
	timeout := flags.Duration("timeout", 5*time.Second, "enqueue timeout")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	client := taskqueue.NewClient(asynq.RedisClientOpt{Addr: *addr, Password: *password, DB: *dbIndex})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, flags.Args(), client, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "homectl:", err)
		if errors.Is(err, errUsage) {
			flags.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, q Enqueuer, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "switch":
		if len(args) != 3 {
			return fmt.Errorf("%w: switch takes a uid and a command", errUsage)
		}
		cmd, err := models.ParseCommand(args[2])
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		info, err := q.EnqueueSwitch(ctx, args[1], cmd)
		if err != nil {
			return fmt.Errorf("enqueue switch command: %w", err)
		}
		fmt.Fprintf(out, "queued %s %s (task %s)\n", args[1], cmd, info.ID)
	case "scenario":
		if len(args) != 2 {
			return fmt.Errorf("%w: scenario takes an id", errUsage)
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("%w: invalid scenario id %q", errUsage, args[1])
		}
		info, err := q.EnqueueScenario(ctx, id)
		if err != nil {
			return fmt.Errorf("enqueue scenario run: %w", err)
		}
		fmt.Fprintf(out, "queued scenario %d (task %s)\n", id, info.ID)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return nil
}
