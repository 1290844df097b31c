// Package ingest collects application targets from configured listing pages
// and turns them into scored tasks for the pool.
package ingest

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultLinkSelector = "a[href]"

type Intake struct {
	hc       *http.Client
	limiter  *HostLimiter
	scorer   *Scorer
	parallel int
	sources  []config.ListingSource
}

func New(cfg config.Config) *Intake {
	return &Intake{
		hc:       &http.Client{Timeout: 20 * time.Second},
		limiter:  NewHostLimiter(cfg.Ingest.PerHostRPS, cfg.Ingest.Burst),
		scorer:   NewScorer(cfg),
		parallel: cfg.Ingest.Parallel,
		sources:  cfg.Ingest.Sources,
	}
}

// Collect fetches every configured source concurrently and returns the
// deduplicated task list for one session. A source that fails is logged and
// skipped; intake only errors when ctx ends.
func (in *Intake) Collect(ctx context.Context, sessionID uuid.UUID) ([]domain.Task, error) {
	var (
		mu    sync.Mutex
		tasks []domain.Task
		seen  = make(map[string]bool)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.parallel)

	for _, src := range in.sources {
		g.Go(func() error {
			found, err := in.fetchSource(ctx, sessionID, src)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[ingest] source %s: %v", src.URL, err)
				return nil
			}
			mu.Lock()
			for _, t := range found {
				if seen[t.URL] {
					continue
				}
				seen[t.URL] = true
				tasks = append(tasks, t)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Printf("[ingest] collected %d tasks from %d sources", len(tasks), len(in.sources))
	return tasks, nil
}

func (in *Intake) fetchSource(ctx context.Context, sessionID uuid.UUID, src config.ListingSource) ([]domain.Task, error) {
	if err := in.limiter.WaitURL(ctx, src.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := in.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("listing fetch status %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return in.parseListing(doc, sessionID, src), nil
}

func (in *Intake) parseListing(doc *goquery.Document, sessionID uuid.UUID, src config.ListingSource) []domain.Task {
	base, _ := url.Parse(src.URL)
	sel := src.LinkSelector
	if sel == "" {
		sel = defaultLinkSelector
	}

	var out []domain.Task
	doc.Find(sel).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		target := resolveHref(base, href)
		canon := CanonicalURL(target)
		host := HostOf(canon)
		if host == "" {
			return
		}

		title := strings.Join(strings.Fields(a.Text()), " ")
		if title == "" {
			return
		}

		score, _ := in.scorer.Score(title, "")
		out = append(out, domain.Task{
			ApplicationID: uuid.New(),
			SessionID:     sessionID,
			URL:           canon,
			Domain:        host,
			Title:         title,
			Company:       src.Company,
			CompanyTier:   in.scorer.Tier(src.Company),
			MatchScore:    score,
		})
	})
	return out
}

func resolveHref(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
