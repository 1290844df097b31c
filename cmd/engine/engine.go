package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/confirm"
	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/effort"
	"applyflow-engine/internal/events"
	"applyflow-engine/internal/ingest"
	"applyflow-engine/internal/notify"
	"applyflow-engine/internal/pool"
	"applyflow-engine/internal/scheduler"
	"applyflow-engine/internal/secrets"
	"applyflow-engine/internal/session"
	"applyflow-engine/internal/store"
	"applyflow-engine/internal/throttle"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// engine bundles everything a command needs once the data dir is locked
// and the store is open.
type engine struct {
	cfg        config.Config
	db         *store.DB
	hub        *events.Hub
	controller *session.Controller
	gate       *throttle.Throttle
	lock       *flock.Flock
}

// openEngine locks the data dir, loads config with overlays, and opens the
// store. Exactly one engine process may own a data dir at a time.
func openEngine(dataDir string) (*engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dataDir, "engine.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("data dir %s is held by another engine instance", dataDir)
	}

	cfg, err := loadConfig(dataDir)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	db, err := store.Open(filepath.Join(dataDir, "applyflow.db"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := store.Migrate(db.Pool); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	hub := events.NewHub()
	policies, fallback := throttle.PoliciesFromConfig(cfg)
	gate := throttle.New(policies, fallback, db, hub)

	return &engine{
		cfg:        cfg,
		db:         db,
		hub:        hub,
		controller: session.NewController(db, hub, buildNotifier(cfg)),
		gate:       gate,
		lock:       lock,
	}, nil
}

func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		log.Printf("[engine] close store: %v", err)
	}
	if err := e.lock.Unlock(); err != nil {
		log.Printf("[engine] release lock: %v", err)
	}
}

func loadConfig(dataDir string) (config.Config, error) {
	userCfgPath, err := config.EnsureUserConfig(dataDir, defaultConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("config bootstrap: %w", err)
	}

	cfg, err := config.Load(userCfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config load %s: %w", userCfgPath, err)
	}
	if err := config.OverlayStealth(&cfg, filepath.Join(dataDir, "stealth.yml")); err != nil {
		return config.Config{}, err
	}
	if err := config.OverlayEffort(&cfg, filepath.Join(dataDir, "effort_policy.yml")); err != nil {
		return config.Config{}, err
	}
	cfg = config.Defaults(cfg)

	cfg, v := config.NormalizeAndValidate(cfg)
	for _, w := range v.Warnings {
		log.Printf("[config] warning: %s", w)
	}
	if len(v.Errors) > 0 {
		return config.Config{}, fmt.Errorf("config invalid: %s", strings.Join(v.Errors, "; "))
	}
	return cfg, nil
}

func buildNotifier(cfg config.Config) notify.Notifier {
	if cfg.Notify.TelegramEnabled {
		token, err := secrets.Get(secrets.TelegramAccount)
		if err != nil {
			log.Printf("[engine] telegram enabled but no token, falling back to log: %v", err)
			return notify.LogNotifier{}
		}
		return notify.NewTelegram(token, cfg.Notify.TelegramChatID)
	}
	return notify.LogNotifier{}
}

// runSession drives one full session: recover leftovers, collect tasks,
// work them through the pool, and terminate with a digest.
func (e *engine) runSession(ctx context.Context, name string, limits domain.SessionLimits) error {
	if n, err := e.controller.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	} else if n > 0 {
		log.Printf("[engine] recovered %d session(s) from a previous run", n)
	}

	s, err := e.controller.Create(ctx, name, deviceUserID(), limits, configSnapshot(e.cfg))
	if err != nil {
		return err
	}

	sub := e.hub.Subscribe()
	defer e.hub.Unsubscribe(sub)
	go func() {
		for evt := range sub {
			log.Printf("[event] %s", evt)
			if evt.Type == events.TypeDomainBlocked {
				// the throttle is session-agnostic; stamp the block onto
				// the active session's log so the digest can surface it
				var payload map[string]any
				_ = json.Unmarshal(evt.Data, &payload)
				err := e.db.AppendEvent(ctx, domain.SessionEvent{
					SessionID: s.ID,
					Type:      events.TypeDomainBlocked,
					Message:   fmt.Sprint(payload["domain"]),
					Payload:   payload,
				})
				if err != nil {
					log.Printf("[event] record domain block: %v", err)
				}
			}
		}
	}()

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go scheduler.Every(bg, 30*time.Second, "deadline", func(ctx context.Context) error {
		e.controller.CheckDeadlines(ctx)
		return nil
	})
	go scheduler.DailyAt(bg, 0, 0, "throttle-reset", func(context.Context) error {
		e.gate.ResetDaily()
		return nil
	})
	e.startConfirmPolling(bg, s.ID)

	tasks, err := ingest.New(e.cfg).Collect(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("task intake: %w", err)
	}
	if len(tasks) == 0 {
		log.Printf("[engine] no tasks collected, finishing session immediately")
		return e.controller.Stop(ctx, s.ID, "no application targets found")
	}

	p := pool.New(pool.Options{
		Workers:     limits.MaxWorkers,
		MaxAttempts: e.cfg.Retry.MaxAttempts,
		BackoffBase: time.Duration(e.cfg.Retry.BackoffBaseMs) * time.Millisecond,
		TaskTimeout: time.Duration(e.cfg.Retry.TaskTimeoutSeconds) * time.Second,
	}, e.gate, newSimulatedExecutor(e.gate), effort.FromConfig(e.cfg), e.controller)

	results := p.RunBatch(ctx, tasks)
	if err := p.Shutdown(context.Background()); err != nil {
		log.Printf("[engine] pool shutdown: %v", err)
	}

	if snap, ok := e.controller.Snapshot(s.ID); ok && !snap.Status.Terminal() {
		if err := e.controller.Stop(ctx, s.ID, "all collected tasks processed"); err != nil {
			return err
		}
	}

	printRunSummary(s.ID.String(), results)
	return nil
}

func (e *engine) startConfirmPolling(ctx context.Context, sessionID uuid.UUID) {
	if !e.cfg.Email.Enabled {
		return
	}
	pw, err := secrets.Get(secrets.IMAPAccount(e.cfg))
	if err != nil {
		log.Printf("[engine] confirmation polling disabled, no IMAP password: %v", err)
		return
	}
	poller, err := confirm.NewPoller(e.cfg, pw)
	if err != nil {
		log.Printf("[engine] confirmation polling disabled: %v", err)
		return
	}

	seen := make(map[string]bool)
	go scheduler.Every(ctx, 10*time.Minute, "confirm", func(ctx context.Context) error {
		found, err := poller.Poll(ctx)
		if err != nil {
			return err
		}
		for _, c := range found {
			key := fmt.Sprintf("%d", c.UID)
			if seen[key] {
				continue
			}
			seen[key] = true
			log.Printf("[confirm] %s acknowledged: %q (%s)", c.From, c.Subject, c.ReceivedAt.Format(time.RFC3339))
			err := e.db.AppendEvent(ctx, domain.SessionEvent{
				SessionID: sessionID,
				Type:      events.TypeConfirmation,
				Message:   c.Subject,
				Payload:   map[string]any{"from": c.From, "received_at": c.ReceivedAt.Format(time.RFC3339)},
			})
			if err != nil {
				log.Printf("[confirm] record confirmation: %v", err)
			}
		}
		return nil
	})
}

func printRunSummary(sessionID string, results []domain.TaskResult) {
	var success, failed, skipped, errored int
	for _, r := range results {
		switch r.Status {
		case domain.StatusSuccess:
			success++
		case domain.StatusFailed:
			failed++
		case domain.StatusSkipped:
			skipped++
		case domain.StatusError:
			errored++
		}
	}
	fmt.Printf("session %s: %d submitted, %d failed, %d skipped, %d errored (%d total)\n",
		sessionID, success, failed, skipped, errored, len(results))
}

// configSnapshot records the knobs that shaped this session alongside it.
func configSnapshot(cfg config.Config) map[string]string {
	return map[string]string{
		"workers":          fmt.Sprint(cfg.Session.Workers),
		"max_applications": fmt.Sprint(cfg.Session.MaxApplications),
		"max_duration_min": fmt.Sprint(cfg.Session.MaxDurationMinutes),
		"retry_attempts":   fmt.Sprint(cfg.Retry.MaxAttempts),
		"sources":          fmt.Sprint(len(cfg.Ingest.Sources)),
	}
}

func readSecretLine(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "value: ")
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	v := strings.TrimSpace(sc.Text())
	if v == "" {
		return "", fmt.Errorf("empty value")
	}
	return v, nil
}
