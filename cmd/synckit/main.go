package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/formcraft/synckit/backup"
	"github.com/formcraft/synckit/device"
	"github.com/formcraft/synckit/internal/config"
	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/session"
	"github.com/formcraft/synckit/session/sessionstore"
	"github.com/formcraft/synckit/storage"
)

const appVersion = "0.3.0"

const usage = `usage: synckit <command> [arguments]

commands:
  login -username <name>       authenticate and persist the session
  logout                       invalidate and clear the session
  status                       show session and backup state
  save <file>                  queue a state file for auto-save and flush
  snapshot <file> -name <n>    create a named snapshot
  backups [list|get|restore|delete] ...
  watch <file>                 auto-save the file whenever it changes
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "synckit: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		fmt.Print(usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.queue.Close()

	ctx := context.Background()
	switch args[0] {
	case "login":
		return app.login(ctx, args[1:])
	case "logout":
		app.manager.Logout(ctx)
		return nil
	case "status":
		return app.status()
	case "save":
		return app.save(ctx, args[1:])
	case "snapshot":
		return app.snapshot(ctx, args[1:])
	case "backups":
		return app.backups(ctx, args[1:])
	case "watch":
		return app.watch(ctx, args[1:])
	default:
		fmt.Print(usage)
		return errors.Errorf("unknown command %q", args[0])
	}
}

type app struct {
	cfg     config.Config
	log     zerolog.Logger
	manager *session.Manager
	queue   *backup.Queue
}

func newApp(cfg config.Config) (*app, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fileStore, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var kv storage.KV = fileStore
	if cfg.SealKey != nil {
		kv = storage.NewSealedStore(kv, *cfg.SealKey)
	}

	client, err := remote.NewClient(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	manager, err := session.NewManager(client, sessionstore.New(kv, log),
		session.WithLogger(log),
		session.WithRefreshThreshold(cfg.RefreshThreshold),
		session.WithRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay),
	)
	if err != nil {
		return nil, err
	}
	manager.Restore()

	dev, err := device.Load(kv, appVersion)
	if err != nil {
		return nil, err
	}

	queue, err := backup.NewQueue(client, manager, kv,
		backup.WithLogger(log),
		backup.WithDebounce(cfg.Debounce),
		backup.WithDevice(dev),
	)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, log: log, manager: manager, queue: queue}, nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("username", "", "account username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("login: -username is required")
	}

	password := os.Getenv("SYNCKIT_PASSWORD")
	if password == "" {
		fmt.Print("password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read password")
		}
		password = strings.TrimSpace(line)
	}

	sess, err := a.manager.Login(ctx, *username, password)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s), token valid until %s\n",
		sess.DisplayName, sess.Email, sess.ExpiresAt.Local().Format(time.RFC1123))

	if err := a.queue.RecoverPending(ctx); err != nil {
		a.log.Warn().Err(err).Msg("pending write recovery failed")
	}
	return nil
}

func (a *app) status() error {
	sess := a.manager.Current()
	if sess == nil {
		fmt.Println("not logged in")
		return nil
	}
	fmt.Printf("user:    %s (%s)\n", sess.DisplayName, sess.Email)
	fmt.Printf("token:   valid until %s", sess.ExpiresAt.Local().Format(time.RFC1123))
	if !a.manager.IsAuthenticated() {
		fmt.Print(" (expired)")
	} else if a.manager.ShouldRefresh() {
		fmt.Print(" (refresh due)")
	}
	fmt.Println()
	if sub := sess.Subscription; sub != nil {
		fmt.Printf("plan:    %s (%s), snapshots %d/%d\n", sub.Tier, sub.Status, sub.SnapshotCount, sub.SnapshotLimit)
	}
	if pw := a.queue.Pending(); pw != nil {
		fmt.Printf("pending: unsaved change from %s\n", pw.SavedAt.Local().Format(time.RFC1123))
	}
	if at, ok := a.queue.LastBackupAt(); ok {
		fmt.Printf("backup:  last uploaded %s\n", at.Local().Format(time.RFC1123))
	}
	return nil
}

func (a *app) save(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("save: state file required")
	}
	state, err := readState(args[0])
	if err != nil {
		return err
	}
	a.queue.AutoSave(state)
	// The CLI exits after the command, so flush instead of waiting out the
	// debounce window.
	return a.queue.RecoverPending(ctx)
}

func (a *app) snapshot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	name := fs.String("name", "", "snapshot name")
	description := fs.String("description", "", "snapshot description")
	if len(args) < 1 {
		return errors.New("snapshot: state file required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("snapshot: -name is required")
	}
	state, err := readState(args[0])
	if err != nil {
		return err
	}
	rec, err := a.queue.CreateSnapshot(ctx, state, *name, *description)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s created (seq %d)\n", rec.ID, rec.Sequence)
	return nil
}

func (a *app) backups(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		fs := flag.NewFlagSet("backups list", flag.ContinueOnError)
		page := fs.Int("page", 1, "page number")
		perPage := fs.Int("per-page", 20, "records per page")
		kind := fs.String("type", "", "filter by type (auto|snapshot)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		result, err := a.queue.ListBackups(ctx, *page, *perPage, *kind)
		if err != nil {
			return err
		}
		for _, rec := range result.Backups {
			name := rec.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%s  %-8s  %-20s  %s\n", rec.ID, rec.Kind, name, rec.CreatedAt.Local().Format(time.RFC1123))
		}
		fmt.Printf("page %d of %d (%d total)\n", result.Page, result.TotalPages, result.Total)
		return nil
	case "get":
		if len(args) < 2 {
			return errors.New("backups get: id required")
		}
		rec, err := a.queue.GetBackup(ctx, args[1])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "restore":
		if len(args) < 2 {
			return errors.New("backups restore: id required")
		}
		state, err := a.queue.RestoreBackup(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(state))
		return nil
	case "delete":
		if len(args) < 2 {
			return errors.New("backups delete: id required")
		}
		if err := a.queue.DeleteSnapshot(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("backup %s deleted\n", args[1])
		return nil
	default:
		return errors.Errorf("backups: unknown subcommand %q", sub)
	}
}

// watch polls a state file and auto-saves it on every change until
// interrupted.
func (a *app) watch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("watch: state file required")
	}
	path := args[0]

	displayAppname("synckit")

	if a.manager.ShouldRefresh() {
		if _, err := a.manager.Refresh(ctx); err != nil {
			a.log.Warn().Err(err).Msg("startup refresh failed")
		}
	}
	if !a.manager.IsAuthenticated() {
		return session.ErrNotAuthenticated
	}
	if err := a.queue.RecoverPending(ctx); err != nil {
		a.log.Warn().Err(err).Msg("pending write recovery failed")
	}

	unsubscribe := a.queue.Subscribe(func(st backup.SaveStatus) {
		if st.State == backup.StateFailed {
			a.log.Warn().Err(st.Err).Msg("auto-save failed, change kept pending")
			return
		}
		a.log.Info().Str("state", string(st.State)).Msg("save status")
	})
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	a.log.Info().Str("path", path).Msg("watching for changes")
	for {
		select {
		case <-stop:
			a.log.Info().Msg("stopping")
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			state, err := readState(path)
			if err != nil {
				a.log.Warn().Err(err).Msg("state file unreadable, skipping")
				continue
			}
			a.queue.AutoSave(state)
		}
	}
}

func readState(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read state file")
	}
	if !json.Valid(data) {
		return nil, errors.Errorf("state file %s is not valid JSON", path)
	}
	return data, nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
