package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/liminal-technologies/readylab-curriculum/internal/config"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/tracing"
)

const usage = `usage: curriculumctl [flags] <command> [args]

commands:
  new <title>                      start a new course draft
  pull <courseId>                  load a course from the store into the draft
  status                           print the draft tree with sync state
  push                             save the draft to the store
  rm-module <moduleId>             delete a module
  rm-lesson <moduleId> <lessonId>  delete a lesson
  upload <lessonId> <file>         upload a video and attach it to a lesson
  watch                            push on every draft change and apply media events
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "curriculumctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	v, err := config.New(".env")
	if err != nil {
		return err
	}
	cfg := config.LoadClient(v)

	fs := flag.NewFlagSet("curriculumctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "persistence API base URL (CURRICULUM_BASE_URL)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (CURRICULUM_TOKEN)")
	fs.StringVar(&cfg.DraftDSN, "draft", cfg.DraftDSN, "draft location: path, file://, memory:// or postgres:// (CURRICULUM_DRAFT_DSN)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout (CURRICULUM_TIMEOUT)")
	fs.IntVar(&cfg.FetchConcurrency, "fetch-concurrency", cfg.FetchConcurrency, "parallel lesson fetches during pull")
	fs.StringVar(&cfg.MediaBaseURL, "media-base-url", cfg.MediaBaseURL, "video hosting API base URL (CURRICULUM_MEDIA_BASE_URL)")
	fs.StringVar(&cfg.MediaEventsURL, "media-events-url", cfg.MediaEventsURL, "media events websocket URL (CURRICULUM_MEDIA_EVENTS_URL)")
	fs.StringVar(&cfg.OwnerID, "owner", cfg.OwnerID, "media owner id (CURRICULUM_OWNER_ID)")
	fs.StringVar(&cfg.LogMode, "log", cfg.LogMode, "log mode: dev, debug or prod")
	fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "export spans to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	shutdown, err := tracing.Init(log, tracing.Config{ServiceName: "curriculumctl", Enabled: cfg.Trace, Writer: stderr})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}()

	a, err := newApp(cfg, log, stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.dispatch(ctx, rest[0], rest[1:])
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	need := func(n int, form string) error {
		if len(args) != n {
			return fmt.Errorf("usage: curriculumctl %s", form)
		}
		return nil
	}
	switch cmd {
	case "new":
		if len(args) == 0 {
			return errors.New("usage: curriculumctl new <title>")
		}
		return a.create(strings.Join(args, " "))
	case "pull":
		if err := need(1, "pull <courseId>"); err != nil {
			return err
		}
		return a.pull(ctx, args[0])
	case "status":
		return a.status()
	case "push":
		return a.push(ctx)
	case "rm-module":
		if err := need(1, "rm-module <moduleId>"); err != nil {
			return err
		}
		return a.removeModule(ctx, args[0])
	case "rm-lesson":
		if err := need(2, "rm-lesson <moduleId> <lessonId>"); err != nil {
			return err
		}
		return a.removeLesson(ctx, args[0], args[1])
	case "upload":
		if err := need(2, "upload <lessonId> <file>"); err != nil {
			return err
		}
		return a.upload(ctx, args[0], args[1])
	case "watch":
		return a.watch(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
