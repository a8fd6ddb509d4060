package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/composer/internal/composer"
	"github.com/memohai/composer/internal/config"
	"github.com/memohai/composer/internal/drafty"
	"github.com/memohai/composer/internal/logger"
	"github.com/memohai/composer/internal/media"
	"github.com/memohai/composer/internal/pipeline"
	"github.com/memohai/composer/internal/session"
	"github.com/memohai/composer/internal/typing"
	"github.com/memohai/composer/internal/upload"
)

type sendOptions struct {
	Topic    string
	Text     string
	Files    []string
	Images   []string
	Stdin    bool
	ReadOnly bool
	Wait     time.Duration
}

var sendOpts sendOptions

var errReadOnly = errors.New("topic is read-only")

var sendCmd = &cobra.Command{
	Use:   "send --topic <topic>",
	Short: "Send text and attachments to a topic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(sendOpts.Topic) == "" {
			return errors.New("--topic is required")
		}
		return runSend(cmd.Context(), sendOpts, cmd.InOrStdin())
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendOpts.Topic, "topic", "t", "", "topic to publish to")
	f.StringVar(&sendOpts.Text, "text", "", "message text")
	f.StringArrayVar(&sendOpts.Files, "file", nil, "file to attach (repeatable)")
	f.StringArrayVar(&sendOpts.Images, "image", nil, "image to attach (repeatable)")
	f.BoolVar(&sendOpts.Stdin, "stdin", false, "read lines from stdin; /file PATH and /image PATH attach")
	f.BoolVar(&sendOpts.ReadOnly, "read-only", false, "open the topic without permission to post")
	f.DurationVar(&sendOpts.Wait, "wait", 10*time.Minute, "how long to wait for uploads before giving up")
}

type sendDeps struct {
	fx.In

	Config     config.Config
	Logger     *slog.Logger
	Controller *composer.Controller
	Outbox     *session.Outbox
}

func runSend(ctx context.Context, opts sendOptions, stdin io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var deps sendDeps
	app := fx.New(
		fx.Supply(opts),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideUploader,
			provideSession,
			provideTopic,
			provideReporter,
			provideOutbox,
			provideThrottle,
			provideEncoder,
			providePipeline,
			provideController,
		),
		fx.Populate(&deps),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return pushEvents(ctx, deps, opts, stdin)
}

// pushEvents feeds the controller and waits until every attachment has been
// published or reported.
func pushEvents(ctx context.Context, deps sendDeps, opts sendOptions, stdin io.Reader) error {
	if deps.Controller.Disabled() {
		return fmt.Errorf("%w: %s", errReadOnly, opts.Topic)
	}
	events := make(chan composer.Event)
	runDone := make(chan error, 1)
	go func() { runDone <- deps.Controller.Run(ctx, events) }()

	emit := func(ev composer.Event) error {
		select {
		case events <- ev:
			return nil
		case err := <-runDone:
			if err == nil {
				err = context.Canceled
			}
			return err
		}
	}

	var queued []composer.Event
	for _, path := range opts.Images {
		ev, err := attachEvent(path, media.RoleImage, deps.Config.Limits.MaxReadBytes)
		if err != nil {
			return err
		}
		queued = append(queued, ev)
	}
	for _, path := range opts.Files {
		ev, err := attachEvent(path, media.RoleFile, deps.Config.Limits.MaxReadBytes)
		if err != nil {
			return err
		}
		queued = append(queued, ev)
	}
	if opts.Text != "" {
		queued = append(queued, composer.TypingEvent{Text: opts.Text}, composer.KeyEvent{Key: composer.KeyEnter})
	}
	for _, ev := range queued {
		if err := emit(ev); err != nil {
			return err
		}
	}

	if opts.Stdin {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := scanner.Text()
			ev, err := lineEvent(line, deps.Config.Limits.MaxReadBytes)
			if err != nil {
				deps.Logger.Warn("skip line", slog.Any("error", err))
				continue
			}
			for _, e := range ev {
				if err := emit(e); err != nil {
					return err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	// Run handles events in order, so once this is accepted every earlier
	// attachment has been started.
	if err := emit(composer.SendEvent{}); err != nil {
		return err
	}
	deps.Controller.Wait()

	waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()
	waitErr := deps.Outbox.Wait(waitCtx)
	if waitErr != nil {
		for _, p := range deps.Outbox.Pending() {
			deps.Logger.Warn("upload still pending",
				slog.String("name", p.Name),
				slog.String("size", humanize.IBytes(uint64(p.Size))),
				slog.String("started", humanize.Time(p.Started)),
			)
		}
	}

	close(events)
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return waitErr
}

func attachEvent(path string, role media.Role, maxBytes int64) (composer.Event, error) {
	att, err := openAttachment(path, maxBytes)
	if err != nil {
		return nil, err
	}
	return composer.AttachEvent{Attachment: att, Role: role}, nil
}

func lineEvent(line string, maxBytes int64) ([]composer.Event, error) {
	switch {
	case strings.HasPrefix(line, "/file "):
		ev, err := attachEvent(strings.TrimSpace(strings.TrimPrefix(line, "/file ")), media.RoleFile, maxBytes)
		if err != nil {
			return nil, err
		}
		return []composer.Event{ev}, nil
	case strings.HasPrefix(line, "/image "):
		ev, err := attachEvent(strings.TrimSpace(strings.TrimPrefix(line, "/image ")), media.RoleImage, maxBytes)
		if err != nil {
			return nil, err
		}
		return []composer.Event{ev}, nil
	default:
		return []composer.Event{composer.TypingEvent{Text: line}, composer.KeyEvent{Key: composer.KeyEnter}}, nil
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideUploader(log *slog.Logger, cfg config.Config) (upload.Uploader, error) {
	if strings.TrimSpace(cfg.Upload.BaseURL) == "" {
		if cfg.Upload.SpoolDir == "" {
			return nil, nil
		}
		u, err := upload.NewDirUploader(log, cfg.Upload.SpoolDir, "")
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	u := upload.NewHTTPUploader(log, upload.HTTPConfig{
		BaseURL:          cfg.Upload.BaseURL,
		APIKey:           cfg.Session.APIKey,
		Timeout:          cfg.Upload.Timeout(),
		ProgressInterval: cfg.Upload.ProgressInterval(),
	}, nil)
	u.OnProgress(func(name string, sent, total int64) {
		log.Info("upload progress",
			slog.String("name", name),
			slog.String("sent", humanize.IBytes(uint64(sent))),
			slog.String("total", humanize.IBytes(uint64(total))),
		)
	})
	return u, nil
}

func provideSession(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, uploader upload.Uploader) (*session.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.Timeout())
	defer cancel()
	client, err := session.Dial(ctx, log, session.Config{
		URL:     cfg.Session.URL,
		APIKey:  cfg.Session.APIKey,
		Timeout: cfg.Session.Timeout(),
	}, uploader)
	if err != nil {
		return nil, fmt.Errorf("session connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})

	if err := client.Hi(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session handshake: %w", err)
	}
	return client, nil
}

func provideTopic(lc fx.Lifecycle, client *session.Client, cfg config.Config, opts sendOptions) (*session.Topic, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.Timeout())
	defer cancel()
	topic, err := client.Subscribe(ctx, opts.Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", opts.Topic, err)
	}
	// Registered after the session hook, so it runs before the connection closes.
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
		return client.Leave(ctx, topic.Name())
	}})
	return topic, nil
}

func provideReporter(log *slog.Logger) composer.Reporter {
	return session.NewLogReporter(log)
}

func provideOutbox(lc fx.Lifecycle, log *slog.Logger, client *session.Client, topic *session.Topic, reporter composer.Reporter) *session.Outbox {
	outbox := session.NewOutbox(log, client, topic.Name(), reporter)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { outbox.Close(); return nil }})
	return outbox
}

func provideThrottle(cfg config.Config, topic *session.Topic) *typing.Throttle {
	return typing.New(cfg.Typing.Interval(), topic)
}

func provideEncoder(log *slog.Logger, cfg config.Config) *media.Encoder {
	return media.NewEncoder(cfg.Limits.Profile(), media.WithLogger(log))
}

func providePipeline(log *slog.Logger, cfg config.Config, encoder *media.Encoder, client *session.Client) *pipeline.Pipeline {
	return pipeline.New(log, cfg.Limits.Profile(), encoder, drafty.Builder{}, client)
}

func provideController(lc fx.Lifecycle, log *slog.Logger, opts sendOptions, topic *session.Topic, p *pipeline.Pipeline, throttle *typing.Throttle, outbox *session.Outbox, reporter composer.Reporter) *composer.Controller {
	ctrl := composer.New(log, topic, p, throttle, outbox, reporter)
	if opts.ReadOnly || topic.ReadOnly() {
		log.Warn("topic is read-only", slog.String("topic", topic.Name()), slog.String("mode", topic.Mode()))
		ctrl.SetDisabled(true)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { ctrl.Close(); return nil }})
	return ctrl
}
