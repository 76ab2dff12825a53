package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n/<apiKey>|<timestamp>|<nonce>          -> observed unix nanos
//	o/<%020d observed nanos>/<composite>    -> empty, ordered for pruning
const (
	noncePrefix    = "n/"
	observedPrefix = "o/"
)

var errPersistenceClosed = errors.New("nonce persistence not open")

// LevelDBNonces persists nonce usage in a LevelDB directory.
type LevelDBNonces struct {
	db *leveldb.DB
}

func OpenLevelDBNonces(path string) (*LevelDBNonces, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonces{db: db}, nil
}

func (p *LevelDBNonces) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records the nonce and reports whether it was already present.
func (p *LevelDBNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errPersistenceClosed
	}
	if record.APIKey == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := strings.Join([]string{record.APIKey, record.Timestamp, record.Nonce}, "|")
	key := []byte(noncePrefix + composite)
	_, err := p.db.Get(key, nil)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return false, fmt.Errorf("load nonce: %w", err)
	}
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(observed.UnixNano()))
	batch := new(leveldb.Batch)
	batch.Put(key, value[:])
	batch.Put(observedKey(observed.UnixNano(), composite), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns records observed at or after cutoff, oldest first.
func (p *LevelDBNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errPersistenceClosed
	}
	iter := p.db.NewIterator(&util.Range{Start: observedKey(cutoff.UnixNano(), ""), Limit: util.BytesPrefix([]byte(observedPrefix)).Limit}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes records observed before cutoff.
func (p *LevelDBNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errPersistenceClosed
	}
	limit := observedKey(cutoff.UnixNano(), "")
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(noncePrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", observedPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	rest := strings.TrimPrefix(string(key), observedPrefix)
	stamp, composite, ok := strings.Cut(rest, "/")
	if !ok {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return composite, nanos, true
}
