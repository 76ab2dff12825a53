package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	// HeaderSignature carries hex(HMAC-SHA256) over the canonical request.
	HeaderSignature = "X-Signature"

	MaxBodyForSignature int = 1 << 20

	maxTimestampSkew     = 5 * time.Minute
	defaultTimestampSkew = 2 * time.Minute
	maxNonceTTL          = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	pruneInterval        = time.Minute
)

var (
	ErrBodyTooLarge     = errors.New("request body too large to sign")
	ErrMissingHeader    = errors.New("missing authentication header")
	ErrUnknownAPIKey    = errors.New("unknown api key")
	ErrTimestampFormat  = errors.New("invalid timestamp")
	ErrTimestampSkew    = errors.New("timestamp outside allowed skew")
	ErrSignatureFormat  = errors.New("invalid signature encoding")
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrNonceReplay      = errors.New("nonce already used")
)

// Principal is the authenticated API client.
type Principal struct {
	APIKey string
}

// NonceRecord is one persisted nonce observation.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage durably so replays survive restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

type Options struct {
	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Persistence   NoncePersistence
	Logger        *slog.Logger
}

// Authenticator verifies API key HMAC signatures on gateway write requests.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	caches map[string]*nonceCache
	cap    int

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator clamps the options to safe bounds. The nonce window never
// shrinks below the timestamp skew, otherwise a nonce could be replayed while
// its timestamp is still acceptable.
func NewAuthenticator(secrets map[string]string, opts Options) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	skew := opts.TimestampSkew
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	ttl := opts.NonceTTL
	if ttl < 2*skew {
		ttl = 2 * skew
	}
	if ttl > maxNonceTTL {
		ttl = maxNonceTTL
	}
	capacity := opts.NonceCapacity
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secrets:     cloned,
		skew:        skew,
		ttl:         ttl,
		now:         now,
		logger:      logger,
		caches:      make(map[string]*nonceCache),
		cap:         capacity,
		persistence: opts.Persistence,
	}
}

// Authenticate validates the signed headers against body and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	header := func(name string) (string, error) {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
		return v, nil
	}
	apiKey, err := header(HeaderAPIKey)
	if err != nil {
		return nil, err
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, ErrUnknownAPIKey
	}
	timestamp, err := header(HeaderTimestamp)
	if err != nil {
		return nil, err
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFormat, err)
	}
	now := a.now().UTC()
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("%w of %s", ErrTimestampSkew, a.skew)
	}
	nonce, err := header(HeaderNonce)
	if err != nil {
		return nil, err
	}
	provided, err := header(HeaderSignature)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(sig, expected) {
		return nil, ErrSignatureInvalid
	}
	if err := a.claimNonce(r.Context(), apiKey, timestamp, nonce, now); err != nil {
		return nil, err
	}
	return &Principal{APIKey: apiKey}, nil
}

// HydrateNonces loads persisted nonces observed after cutoff into memory.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cache(rec.APIKey).add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	a.logger.Info("nonce cache hydrated", slog.Int("records", len(records)))
	return nil
}

func (a *Authenticator) claimNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) error {
	cache := a.cache(apiKey)
	key := timestamp + "|" + nonce
	if !cache.add(key, now) {
		return ErrNonceReplay
	}
	if a.persistence == nil {
		return nil
	}
	a.prune(ctx, now)
	existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{APIKey: apiKey, Timestamp: timestamp, Nonce: nonce, ObservedAt: now})
	if err != nil {
		cache.remove(key)
		return fmt.Errorf("persist nonce: %w", err)
	}
	if existed {
		return ErrNonceReplay
	}
	return nil
}

func (a *Authenticator) prune(ctx context.Context, now time.Time) {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < pruneInterval {
		return
	}
	a.lastPruned = now
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.ttl)); err != nil {
		a.logger.Warn("prune persistent nonces", slog.Any("error", err))
	}
}

func (a *Authenticator) cache(apiKey string) *nonceCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.caches[apiKey]
	if !ok {
		c = newNonceCache(a.ttl, a.cap)
		a.caches[apiKey] = c
	}
	return c
}

// CanonicalRequestPath is the path plus the sorted raw query.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature is HMAC-SHA256 over the newline-joined timestamp, nonce,
// upper-cased method, canonical path and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")))
	return mac.Sum(nil)
}

// SignRequest sets the authentication headers on req for body.
func SignRequest(req *http.Request, apiKey, secret, nonce string, at time.Time, body []byte) {
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature(secret, ts, nonce, req.Method, CanonicalRequestPath(req), body)))
}

// nonceCache is a bounded insertion-ordered set with a TTL.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List
}

type nonceEntry struct {
	key string
	at  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{ttl: ttl, capacity: capacity, seen: make(map[string]*list.Element), order: list.New()}
}

// add reports false when key is already present within the TTL.
func (c *nonceCache) add(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(nonceEntry)
		if !entry.at.Before(cutoff) {
			break
		}
		c.order.Remove(front)
		delete(c.seen, entry.key)
	}
	if _, ok := c.seen[key]; ok {
		return false
	}
	for c.order.Len() >= c.capacity {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.seen, front.Value.(nonceEntry).key)
	}
	c.seen[key] = c.order.PushBack(nonceEntry{key: key, at: now})
	return true
}

func (c *nonceCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.seen[key]; ok {
		c.order.Remove(elem)
		delete(c.seen, key)
	}
}

func (c *nonceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
