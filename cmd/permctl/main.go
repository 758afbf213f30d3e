// Command permctl performs permission maintenance from the shell: schema
// migration, catalog seeding, direct grants and baseline scheduling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/k9ops/k9ops/cmd/k9ops/cli"
	"github.com/k9ops/k9ops/internal/app"
	"github.com/k9ops/k9ops/internal/platform/cache"
	"github.com/k9ops/k9ops/internal/platform/db"
	"github.com/k9ops/k9ops/internal/rbac"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// env holds lazily opened connections shared by commands.
type env struct {
	cfg    *app.Config
	logger *slog.Logger
	stdout io.Writer

	pool    *pgxpool.Pool
	redis   *redis.Client
	service *rbac.Service
}

func (e *env) permissions(ctx context.Context) (*rbac.Service, error) {
	if e.service != nil {
		return e.service, nil
	}
	pool, err := db.New(ctx, e.cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	client, err := cache.New(ctx, cache.Options{Addr: e.cfg.RedisAddr, Password: e.cfg.RedisPassword, DB: e.cfg.RedisDB})
	if err != nil {
		return nil, err
	}
	e.redis = client
	repo := rbac.NewRepository(pool)
	e.service = rbac.NewService(repo, rbac.NewCatalog(), nil, rbac.NewRedisStampStore(client, e.cfg.StampTTL), e.logger)
	if err := e.service.ReloadCatalog(ctx); err != nil {
		return nil, err
	}
	return e.service, nil
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

type command struct {
	summary string
	flags   func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error
}

var errUsage = errors.New("usage")

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			summary: "apply pending schema migrations",
			flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
				return func(ctx context.Context, e *env) error {
					return db.Migrate(e.cfg.PGDSN, e.logger)
				}
			},
		},
		"seed-catalog": {
			summary: "register catalog entries from a seed file",
			flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
				file := fs.StringP("file", "f", "", "catalog YAML; the embedded catalog when empty")
				return func(ctx context.Context, e *env) error {
					svc, err := e.permissions(ctx)
					if err != nil {
						return err
					}
					summary, err := cli.SyncCatalog(ctx, svc, *file)
					if err != nil {
						return err
					}
					fmt.Fprintf(e.stdout, "catalog synced: %d created, %d updated\n", summary.Created, summary.Updated)
					return nil
				}
			},
		},
		"grant":  grantCommand("grant one or more permissions to a user", true),
		"revoke": grantCommand("revoke one or more permissions from a user", false),
		"list": {
			summary: "print the permissions a user holds",
			flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
				user := fs.StringP("user", "u", "", "user id")
				return func(ctx context.Context, e *env) error {
					userID, err := parseUser(*user)
					if err != nil {
						return err
					}
					svc, err := e.permissions(ctx)
					if err != nil {
						return err
					}
					keys, err := svc.ListForUser(ctx, userID)
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Fprintln(e.stdout, k)
					}
					return nil
				}
			},
		},
		"baseline": {
			summary: "apply a role baseline to a user",
			flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
				user := fs.StringP("user", "u", "", "user id")
				role := fs.StringP("role", "r", "", "role whose baseline to apply")
				enqueue := fs.Bool("enqueue", false, "schedule on the worker instead of applying inline")
				return func(ctx context.Context, e *env) error {
					userID, err := parseUser(*user)
					if err != nil {
						return err
					}
					if *role == "" {
						return fmt.Errorf("%w: --role is required", errUsage)
					}
					if *enqueue {
						jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: e.cfg.RedisAddr, Password: e.cfg.RedisPassword, DB: e.cfg.RedisDB})
						defer func() { _ = jobsCLI.Close() }()
						if err := jobsCLI.EnqueueBaseline(ctx, userID, *role); err != nil {
							return err
						}
						fmt.Fprintln(e.stdout, "baseline queued")
						return nil
					}
					svc, err := e.permissions(ctx)
					if err != nil {
						return err
					}
					n, err := svc.ApplyBaseline(ctx, userID, *role, uuid.NullUUID{})
					if err != nil {
						return err
					}
					fmt.Fprintf(e.stdout, "%d permissions granted\n", n)
					return nil
				}
			},
		},
		"queue": {
			summary: "show background queue depth",
			flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
				return func(ctx context.Context, e *env) error {
					jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: e.cfg.RedisAddr, Password: e.cfg.RedisPassword, DB: e.cfg.RedisDB})
					defer func() { _ = jobsCLI.Close() }()
					stats, err := jobsCLI.InspectQueue(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(e.stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
						stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
					return nil
				}
			},
		},
	}
}

func grantCommand(summary string, grant bool) command {
	return command{
		summary: summary,
		flags: func(fs *pflag.FlagSet) func(ctx context.Context, e *env) error {
			user := fs.StringP("user", "u", "", "user id")
			keys := fs.StringSliceP("key", "k", nil, "permission key (repeatable)")
			return func(ctx context.Context, e *env) error {
				userID, err := parseUser(*user)
				if err != nil {
					return err
				}
				if len(*keys) == 0 {
					return fmt.Errorf("%w: at least one --key is required", errUsage)
				}
				svc, err := e.permissions(ctx)
				if err != nil {
					return err
				}
				var n int
				if grant {
					n, err = svc.BatchGrant(ctx, userID, *keys, uuid.NullUUID{})
				} else {
					n, err = svc.BatchRevoke(ctx, userID, *keys, uuid.NullUUID{})
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(e.stdout, "%d changed\n", n)
				return nil
			}
		},
	}
}

func parseUser(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: --user is required", errUsage)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: --user: %v", errUsage, err)
	}
	return id, nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: permctl <command> [flags]")
	fmt.Fprintln(w)
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, cmds[name].summary)
	}
}

// run executes args and returns the process exit code. loadConfig is only
// called once the command line has been validated.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, loadConfig func() (*app.Config, error)) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stdout)
		return exitOK
	}
	cmd, ok := commands()[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "permctl: unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}

	fs := pflag.NewFlagSet("permctl "+args[0], pflag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "permctl: %v\n", err)
		return exitError
	}
	e := &env{cfg: cfg, logger: app.NewLogger(cfg), stdout: stdout}
	defer e.close()

	if err := exec(ctx, e); err != nil {
		fmt.Fprintf(stderr, "permctl %s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, app.LoadConfig)
	stop()
	if code != exitOK {
		os.Exit(code)
	}
}
