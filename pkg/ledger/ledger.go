// Copyright 2024-2026 Aiku AI

// Package ledger correlates hub message IDs with remote message IDs so that
// edits, deletions, replies and read marks can be mirrored across platforms.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/telehooper/pkg/store"
)

var ErrNotFound = errors.New("ledger entry not found")

// Entry is one bridged message. A media group produces a single entry with
// several hub IDs.
type Entry struct {
	ID        string
	Service   string
	OwnerID   int64
	HubChatID int64
	TopicID   int64
	// HubBotID is the bot identity that posted the hub copy, if any.
	HubBotID int64
	HubIDs   []int
	// RemoteIDs are account-relative remote message IDs.
	RemoteIDs []int64
	// ConversationIDs are remote IDs relative to the conversation PeerID.
	// They are not interchangeable with RemoteIDs.
	ConversationIDs []int64
	PeerID          int64
	// SentViaBridge marks messages the bridge itself emitted on the remote
	// side; their echo on the remote feed must not be imported again.
	SentViaBridge bool
	CreatedAt     jsontime.UnixMilli
}

type hubKey struct {
	service string
	owner   int64
	chat    int64
	id      int
}

type remoteKey struct {
	service string
	owner   int64
	id      int64
}

type convKey struct {
	service string
	owner   int64
	peer    int64
	id      int64
}

// Ledger is the process-wide message identity store. Indexes are
// concurrent maps updated per key; entries are immutable once stored.
type Ledger struct {
	store *store.Store
	log   zerolog.Logger

	entries sync.Map // id -> *Entry
	byHub   sync.Map // hubKey -> *Entry
	byRem   sync.Map // remoteKey -> *Entry
	byConv  sync.Map // convKey -> *Entry
}

// New creates a ledger. st may be nil for a purely in-memory ledger.
func New(st *store.Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: st,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// Load restores persisted entries.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	docs, err := l.store.ListMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	for _, doc := range docs {
		l.index(&Entry{
			ID:              doc.ID,
			Service:         doc.Service,
			OwnerID:         doc.OwnerID,
			HubChatID:       doc.HubChatID,
			TopicID:         doc.TopicID,
			HubBotID:        doc.HubBotID,
			HubIDs:          doc.HubIDs,
			RemoteIDs:       doc.RemoteIDs,
			ConversationIDs: doc.ConversationIDs,
			PeerID:          doc.PeerID,
			SentViaBridge:   doc.SentViaBridge,
			CreatedAt:       jsontime.UM(time.UnixMilli(doc.CreatedAt)),
		})
	}
	l.log.Info().Int("entries", len(docs)).Msg("Loaded message ledger")
	return nil
}

// Record stores a new entry. ID and CreatedAt are filled in when empty.
// The entry is persisted before it becomes visible to lookups, and is not
// indexed at all if persisting fails. The stored entry is a copy; the
// returned pointer must not be modified.
func (l *Ledger) Record(ctx context.Context, e Entry) (*Entry, error) {
	if len(e.HubIDs) == 0 && len(e.RemoteIDs) == 0 {
		return nil, fmt.Errorf("ledger entry needs at least one hub or remote ID")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = jsontime.UnixMilliNow()
	}
	e.HubIDs = slices.Clone(e.HubIDs)
	e.RemoteIDs = slices.Clone(e.RemoteIDs)
	e.ConversationIDs = slices.Clone(e.ConversationIDs)
	entry := &e
	if err := l.persist(ctx, entry); err != nil {
		return nil, err
	}
	l.index(entry)
	return entry, nil
}

func (l *Ledger) index(e *Entry) {
	l.entries.Store(e.ID, e)
	for _, id := range e.HubIDs {
		l.byHub.Store(hubKey{e.Service, e.OwnerID, e.HubChatID, id}, e)
	}
	for _, id := range e.RemoteIDs {
		l.byRem.Store(remoteKey{e.Service, e.OwnerID, id}, e)
	}
	for _, id := range e.ConversationIDs {
		l.byConv.Store(convKey{e.Service, e.OwnerID, e.PeerID, id}, e)
	}
}

func (l *Ledger) persist(ctx context.Context, e *Entry) error {
	if l.store == nil {
		return nil
	}
	err := l.store.SaveMessage(ctx, &store.MessageDocument{
		ID:              e.ID,
		Service:         e.Service,
		OwnerID:         e.OwnerID,
		HubChatID:       e.HubChatID,
		TopicID:         e.TopicID,
		HubBotID:        e.HubBotID,
		HubIDs:          e.HubIDs,
		RemoteIDs:       e.RemoteIDs,
		ConversationIDs: e.ConversationIDs,
		PeerID:          e.PeerID,
		SentViaBridge:   e.SentViaBridge,
		CreatedAt:       e.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// FindByHubID looks up an entry by a hub message ID. Hub message IDs are
// only unique within one hub chat.
func (l *Ledger) FindByHubID(service string, ownerID, hubChatID int64, hubID int) (*Entry, bool) {
	v, ok := l.byHub.Load(hubKey{service, ownerID, hubChatID, hubID})
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// FindByRemoteID looks up an entry by an account-relative remote message ID.
func (l *Ledger) FindByRemoteID(service string, ownerID, remoteID int64) (*Entry, bool) {
	v, ok := l.byRem.Load(remoteKey{service, ownerID, remoteID})
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// FindByConversationID looks up an entry by a conversation-relative remote ID.
func (l *Ledger) FindByConversationID(service string, ownerID, peerID, convID int64) (*Entry, bool) {
	v, ok := l.byConv.Load(convKey{service, ownerID, peerID, convID})
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// IsEcho reports whether a remote message was emitted by the bridge itself.
func (l *Ledger) IsEcho(service string, ownerID, remoteID int64) bool {
	e, ok := l.FindByRemoteID(service, ownerID, remoteID)
	return ok && e.SentViaBridge
}

// Delete removes the first entry matching any of the given hub or remote
// IDs. Every index of the removed entry is cleared.
func (l *Ledger) Delete(ctx context.Context, service string, ownerID, hubChatID int64, hubIDs []int, remoteIDs []int64) (*Entry, error) {
	for _, id := range hubIDs {
		if e, ok := l.FindByHubID(service, ownerID, hubChatID, id); ok {
			return e, l.DeleteEntry(ctx, e)
		}
	}
	for _, id := range remoteIDs {
		if e, ok := l.FindByRemoteID(service, ownerID, id); ok {
			return e, l.DeleteEntry(ctx, e)
		}
	}
	return nil, ErrNotFound
}

// DeleteEntry removes an entry and all its index keys.
func (l *Ledger) DeleteEntry(ctx context.Context, e *Entry) error {
	v, ok := l.entries.LoadAndDelete(e.ID)
	if !ok {
		return ErrNotFound
	}
	cur := v.(*Entry)
	for _, id := range cur.HubIDs {
		l.byHub.CompareAndDelete(hubKey{cur.Service, cur.OwnerID, cur.HubChatID, id}, cur)
	}
	for _, id := range cur.RemoteIDs {
		l.byRem.CompareAndDelete(remoteKey{cur.Service, cur.OwnerID, id}, cur)
	}
	for _, id := range cur.ConversationIDs {
		l.byConv.CompareAndDelete(convKey{cur.Service, cur.OwnerID, cur.PeerID, id}, cur)
	}
	if l.store != nil {
		if err := l.store.DeleteMessage(ctx, cur.ID); err != nil {
			return fmt.Errorf("failed to delete persisted ledger entry %s: %w", cur.ID, err)
		}
	}
	return nil
}

// Prune evicts entries created before the cutoff and returns their count.
func (l *Ledger) Prune(ctx context.Context, before time.Time) int {
	var stale []*Entry
	l.entries.Range(func(_, v any) bool {
		e := v.(*Entry)
		if e.CreatedAt.Before(before) {
			stale = append(stale, e)
		}
		return true
	})
	n := 0
	for _, e := range stale {
		if err := l.DeleteEntry(ctx, e); err == nil {
			n++
		} else if !errors.Is(err, ErrNotFound) {
			l.log.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to prune ledger entry")
		}
	}
	return n
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RunPruner evicts entries older than maxAge every interval until ctx is
// done. Pass interval 0 for the default of one hour.
func (l *Ledger) RunPruner(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	l.log.Info().Dur("interval", interval).Dur("max_age", maxAge).Msg("Starting ledger pruner")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Ledger pruner stopped")
			return
		case <-ticker.C:
			if n := l.Prune(ctx, time.Now().Add(-maxAge)); n > 0 {
				l.log.Info().Int("pruned", n).Msg("Pruned ledger entries")
			}
		}
	}
}
