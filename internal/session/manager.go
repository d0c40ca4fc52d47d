package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"rewrite-proxy/internal/kvstore"
	"rewrite-proxy/internal/metrics"
)

// KeyPrefix namespaces session records in the durable store.
const KeyPrefix = "sessions/"

// IdentityCookie names the proxy's own session cookie in cookie identity
// mode. It is never forwarded upstream.
const IdentityCookie = "rp_sid"

// persistConcurrency bounds parallel writes to the store during Persist.
const persistConcurrency = 8

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// entry tracks a jar and the version last written to the store.
type entry struct {
	jar       *Jar
	persisted uint64
}

// Manager maps client identities to cookie jars.
type Manager struct {
	store   kvstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	jars map[string]*entry

	persistMu sync.Mutex
}

// NewManager creates a Manager backed by store. The metrics parameter is
// optional.
func NewManager(store kvstore.Store, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		logger:  logger.With("component", "session_manager"),
		metrics: m,
		jars:    make(map[string]*entry),
	}
}

// Resolve returns the jar for identity, creating an empty one on first use.
func (m *Manager) Resolve(identity string) *Jar {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.jars[identity]; ok {
		return e.jar
	}
	e := &entry{jar: NewJar()}
	m.jars[identity] = e
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(len(m.jars)))
	}
	return e.jar
}

// Len returns the number of known sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jars)
}

// RecordCookies stores every Set-Cookie in header, received from target, in
// jar. It returns the copies to mirror on the client response: the Domain
// attribute is dropped and the path widened to "/" so the browser accepts
// them on the proxy origin.
func (m *Manager) RecordCookies(jar *Jar, target *url.URL, header http.Header) []*http.Cookie {
	lines := header.Values("Set-Cookie")
	if len(lines) == 0 {
		return nil
	}

	parsed := make([]*http.Cookie, 0, len(lines))
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			m.logger.Debug("ignoring malformed set-cookie", "url", target.String(), "err", err)
			continue
		}
		parsed = append(parsed, c)
	}
	jar.SetCookies(target, parsed)

	mirrored := make([]*http.Cookie, 0, len(parsed))
	for _, c := range parsed {
		mc := *c
		mc.Domain = ""
		mc.Path = "/"
		mc.Raw = ""
		mc.Unparsed = nil
		mc.Partitioned = false
		mirrored = append(mirrored, &mc)
	}
	return mirrored
}

// Persist writes every jar changed since the last successful write. A jar
// whose write fails stays dirty and is retried on the next call.
func (m *Manager) Persist(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	pending := make(map[string]*entry, len(m.jars))
	for id, e := range m.jars {
		pending[id] = e
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(persistConcurrency)

	for id, e := range pending {
		cookies, version := e.jar.Snapshot()
		if version == e.persisted {
			continue
		}
		g.Go(func() error {
			if err := m.write(gctx, id, cookies); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return nil
			}
			m.mu.Lock()
			e.persisted = version
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if m.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.metrics.PersistTotal.WithLabelValues(outcome).Inc()
	}
	return err
}

func (m *Manager) write(ctx context.Context, identity string, cookies []Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", identity, err)
	}
	if err := m.store.Set(ctx, KeyPrefix+identity, raw); err != nil {
		return fmt.Errorf("persist session %s: %w", identity, err)
	}
	return nil
}

// Restore loads every stored session. Records that fail to decode are
// skipped and logged.
func (m *Manager) Restore(ctx context.Context) error {
	keys, err := m.store.List(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	restored := 0
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load session %s: %w", key, err)
		}
		var cookies []Cookie
		if err := json.Unmarshal(raw, &cookies); err != nil {
			m.logger.Warn("skipping corrupt session record", "key", key, "err", err)
			continue
		}

		jar := NewJar()
		jar.Restore(cookies)

		m.mu.Lock()
		m.jars[strings.TrimPrefix(key, KeyPrefix)] = &entry{jar: jar}
		m.mu.Unlock()
		restored++
	}

	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(m.Len()))
	}
	m.logger.Info("sessions restored", "count", restored)
	return nil
}

// Run persists on every tick until ctx is done. Failures are logged and the
// affected jars retried on the next tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Persist(ctx); err != nil {
				m.logger.Error("periodic session persist failed", "err", err)
			}
		}
	}
}
