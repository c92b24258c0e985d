package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"

	"auto_feed_publisher/config"
	"auto_feed_publisher/cycle"
	"auto_feed_publisher/dispatch"
	"auto_feed_publisher/errtrack"
	"auto_feed_publisher/events"
	"auto_feed_publisher/generator"
	"auto_feed_publisher/metrics"
	"auto_feed_publisher/model"
	"auto_feed_publisher/publisher"
	"auto_feed_publisher/queue"
	"auto_feed_publisher/server"
	"auto_feed_publisher/storage"
)

var verbose bool

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	configPath := flag.String("config", "config/config.json", "path to config.json")
	addr := flag.String("addr", "", "http listen address (overrides config.server_addr)")
	mdPath := flag.String("md", "", "enqueue this markdown file as a manual post and exit")
	title := flag.String("title", "", "post title for --md")
	topicID := flag.String("topic", "", "topic id for --md")
	category := flag.String("category", "", "topic category for --md")
	flag.BoolVar(&verbose, "v", false, "enable info logs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer storage.Close(db)

	store := queue.NewStore(db, queue.WithManualDelay(queue.DelayRange{
		Min: cfg.Queue.ManualMinDelay,
		Max: cfg.Queue.ManualMaxDelay,
	}))

	if *mdPath != "" {
		if err := enqueueFile(store, *mdPath, *title, *topicID, *category); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, db, store, *addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func enqueueFile(store *queue.Store, path, title, topicID, category string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return fmt.Errorf("%s is empty", path)
	}
	item := &model.ScheduledItem{
		Title:  title,
		Body:   string(body),
		Target: model.Target{TopicID: topicID, Category: category},
	}
	id, err := store.EnqueueManual(context.Background(), item, nil)
	if err != nil {
		return err
	}
	log.Printf("[cli] enqueued %s at %s", id, item.ScheduledAt.Format(time.RFC3339))
	fmt.Println(id)
	return nil
}

func run(cfg config.Config, db *gorm.DB, store *queue.Store, addr string) error {
	if err := errtrack.Init(cfg.Sentry); err != nil {
		log.Printf("[ERRTRACK] WARNING: %v", err)
	}
	defer errtrack.Flush(2 * time.Second)
	if err := metrics.Init(cfg.Metrics); err != nil {
		return err
	}

	prompts, err := generator.OpenPromptStore(cfg.PromptsPath)
	if err != nil {
		return err
	}
	cell := generator.NewClientCell(nil, generator.LLMSettings{})
	if cfg.LLM != nil {
		settings := generator.LLMSettings{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		}
		client, err := generator.NewLLM(settings)
		if err != nil {
			// cycles report a config error until a model is set over the API
			log.Printf("WARNING: llm disabled: %v", err)
		} else {
			cell.Set(client, settings)
		}
	}
	agent, err := generator.NewAgent(cell)
	if err != nil {
		return err
	}

	ctl := cycle.NewController(
		storage.NewCycleRepository(db),
		storage.NewConversationRepository(db),
		store, agent, prompts,
		cycle.Options{
			GenerationTimeout: cfg.Cycle.GenerationTimeout(),
			RetryDelay:        cfg.Cycle.RetryDelay(),
			MaxRetries:        cfg.Cycle.MaxGenerationRetries,
			DefaultInterval:   queue.DelayRange{Min: cfg.Cycle.DefaultMinInterval, Max: cfg.Cycle.DefaultMaxInterval},
			Verbose:           verbose,
		})
	defer ctl.Close()

	feed, err := publisher.New(cfg.Feed, nil, verbose, log.Default())
	if err != nil {
		return err
	}

	var observers []dispatch.Observer
	if cfg.Rabbit.URL != "" {
		notifier := events.NewRabbitNotifier(cfg.Rabbit.URL, cfg.Rabbit.Queue, log.Default())
		defer notifier.Close()
		observers = append(observers, notifier)
	}
	d := dispatch.New(store, feed, ctl, dispatch.Options{
		PollInterval:   cfg.Dispatcher.PollInterval(),
		PublishTimeout: cfg.Dispatcher.PublishTimeout(),
		Verbose:        verbose,
	}, observers...)

	metrics.RegisterQueueGauges(
		queueGauge(store.PendingCount),
		queueGauge(store.FailedCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(server.Deps{
		Queue:   store,
		Cycles:  ctl,
		Prompts: prompts,
		LLM:     cell,
		Feed:    feed,
		Running: d.Running,
		Logger:  log.Default(),
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	listen := cfg.ServerAddr
	if addr != "" {
		listen = addr
	}
	if listen == "" {
		listen = ":8080"
	}
	httpSrv := &http.Server{Addr: listen, Handler: srv.Routes()}

	if err := d.Start(); err != nil {
		return err
	}
	resumeInBackground(ctx, ctl)

	serveErr := make(chan error, 1)
	errtrack.SafeGo(log.Default(), "http server", func() {
		defer close(serveErr)
		log.Printf("Starting web server on %s", listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	d.Stop(cfg.Dispatcher.StopTimeout())
	return err
}

type stalledResumer interface {
	ResumeStalled(ctx context.Context) (int, error)
}

// resumeInBackground restarts stalled cycles without holding up startup;
// each one may run a full generation round.
func resumeInBackground(ctx context.Context, r stalledResumer) <-chan struct{} {
	done := make(chan struct{})
	errtrack.SafeGo(log.Default(), "resume stalled cycles", func() {
		defer close(done)
		n, err := r.ResumeStalled(ctx)
		if err != nil {
			log.Printf("[CYCLE] WARNING: resume stalled cycles: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[CYCLE] resumed %d stalled cycle(s)", n)
		}
	})
	return done
}

func queueGauge(count func(context.Context) (int64, error)) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := count(ctx)
		if err != nil {
			return 0
		}
		return float64(n)
	}
}
