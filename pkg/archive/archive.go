// Package archive exports sealed segments of the event log to blob storage.
// A segment is an immutable slice of the chain plus a manifest committing to
// its digest; cold storage keeps the audit trail when the daemon's own
// database is retired.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/canonical"
	"github.com/Mindburn-Labs/mandate/pkg/events"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Manifest describes one sealed segment.
type Manifest struct {
	ID       uuid.UUID `json:"id"`
	Key      string    `json:"key"`
	Digest   string    `json:"digest"`
	From     uint64    `json:"from"`
	To       uint64    `json:"to"`
	Count    int       `json:"count"`
	SealedAt time.Time `json:"sealed_at"`
	// Head is the chain head hash at seal time; a verifier can splice
	// consecutive segments by matching Head to the next segment's first
	// PrevHash.
	Head string `json:"head"`
}

// segment is the stored blob layout.
type segment struct {
	Manifest Manifest       `json:"manifest"`
	Entries  []events.Entry `json:"entries"`
}

// Exporter seals event-log segments into a blob store.
type Exporter struct {
	log    *events.Log
	store  BlobStore
	clock  func() time.Time
	logger *slog.Logger
	// MaxElapsed bounds upload retries per segment.
	MaxElapsed time.Duration
}

// NewExporter wires an exporter.
func NewExporter(log *events.Log, store BlobStore) *Exporter {
	return &Exporter{
		log:        log,
		store:      store,
		clock:      time.Now,
		logger:     slog.Default().With("component", "archive"),
		MaxElapsed: time.Minute,
	}
}

// WithClock overrides the time source. Test hook.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export seals every entry with sequence > after into one segment and
// uploads it. Returns the manifest, or nil with no error when there is
// nothing new to seal.
func (e *Exporter) Export(ctx context.Context, after uint64) (*Manifest, error) {
	entries := e.log.Since(after)
	if len(entries) == 0 {
		return nil, nil
	}

	m := Manifest{
		ID:       uuid.New(),
		From:     entries[0].Sequence,
		To:       entries[len(entries)-1].Sequence,
		Count:    len(entries),
		SealedAt: e.clock().UTC(),
		Head:     entries[len(entries)-1].ContentHash,
	}
	m.Key = fmt.Sprintf("segments/%012d-%012d.json", m.From, m.To)

	body, err := canonical.JSON(struct {
		Entries []events.Entry `json:"entries"`
	}{entries})
	if err != nil {
		return nil, fmt.Errorf("seal segment: %w", err)
	}
	m.Digest = canonical.HashBytes(body)

	blob, err := canonical.JSON(segment{Manifest: m, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("seal segment: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.MaxElapsed
	err = backoff.Retry(func() error {
		return e.store.Put(ctx, m.Key, blob)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("upload segment %s: %w", m.Key, err)
	}

	e.logger.Info("segment sealed",
		"key", m.Key, "from", m.From, "to", m.To, "digest", m.Digest)
	return &m, nil
}

// Load fetches a sealed segment, verifies its digest, and returns its
// entries.
func Load(ctx context.Context, store BlobStore, key string) (*Manifest, []events.Entry, error) {
	blob, err := store.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch segment %s: %w", key, err)
	}
	var seg segment
	if err := unmarshalSegment(blob, &seg); err != nil {
		return nil, nil, fmt.Errorf("decode segment %s: %w", key, err)
	}

	body, err := canonical.JSON(struct {
		Entries []events.Entry `json:"entries"`
	}{seg.Entries})
	if err != nil {
		return nil, nil, err
	}
	if got := canonical.HashBytes(body); got != seg.Manifest.Digest {
		return nil, nil, fmt.Errorf("segment %s digest mismatch: manifest %s, content %s", key, seg.Manifest.Digest, got)
	}
	return &seg.Manifest, seg.Entries, nil
}
