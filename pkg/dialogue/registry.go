// Copyright 2024-2026 Aiku AI

// Package dialogue maps hub chats (and their forum topics) to remote
// dialogues. The registry owns no network I/O; it mirrors every change into
// the group documents of the store so bindings survive restarts.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/telehooper/pkg/store"
)

type bindingKey struct {
	groupID int64
	topicID int64
}

type remoteKey struct {
	service string
	owner   int64
	peer    int64
}

// Registry is the process-wide dialogue binding table. Indexes are
// concurrent maps and mutations are serialised per hub group.
type Registry struct {
	store *store.Store
	log   zerolog.Logger

	groups   *exsync.Map[int64, *HubGroup]
	bindings *exsync.Map[bindingKey, *SubGroup]
	remote   *exsync.Map[remoteKey, *SubGroup]
	locks    *exsync.Map[int64, *sync.Mutex]
}

// NewRegistry creates an empty registry backed by st. Call Load to restore
// persisted bindings.
func NewRegistry(st *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:    st,
		log:      log.With().Str("component", "dialogue_registry").Logger(),
		groups:   exsync.NewMap[int64, *HubGroup](),
		bindings: exsync.NewMap[bindingKey, *SubGroup](),
		remote:   exsync.NewMap[remoteKey, *SubGroup](),
		locks:    exsync.NewMap[int64, *sync.Mutex](),
	}
}

func (r *Registry) lock(groupID int64) func() {
	mu, _ := r.locks.GetOrSet(groupID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Load restores all groups and bindings from the store.
func (r *Registry) Load(ctx context.Context) error {
	docs, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	bound := 0
	for _, doc := range docs {
		unlock := r.lock(doc.ID)
		g := &HubGroup{
			ID:                 doc.ID,
			CreatorID:          doc.Creator,
			AdminRights:        doc.AdminRights,
			Minibots:           slices.Clone(doc.Minibots),
			MinibotAssignments: make(map[int64]int64, len(doc.MinibotAssignments)),
		}
		for sender, bot := range doc.MinibotAssignments {
			g.MinibotAssignments[sender] = bot
		}
		for topicID, topic := range doc.Topics {
			if topic == nil {
				continue
			}
			sub := newSubGroup(doc.ID, topicID, ServiceDialogue{
				Service:     topic.Service,
				ID:          topic.RemoteDialogueID,
				Name:        topic.RemoteDialogueName,
				IsMultiUser: topic.IsMultiUser,
			}, Owner{HubUserID: topic.OwnerHubUserID, RemoteUserID: topic.OwnerRemoteID}, topic.Type)
			sub.pinnedMessageID.Store(int64(topic.PinnedMessageID))
			rk := remoteKey{service: sub.Service, owner: sub.Owner.HubUserID, peer: sub.RemoteDialogueID}
			if _, dup := r.remote.GetOrSet(rk, sub); dup {
				r.log.Warn().
					Int64("group_id", doc.ID).
					Int64("topic_id", topicID).
					Int64("peer_id", sub.RemoteDialogueID).
					Msg("Skipping duplicate dialogue binding")
				continue
			}
			r.bindings.Set(bindingKey{doc.ID, topicID}, sub)
			g.TopicIDs = append(g.TopicIDs, topicID)
			bound++
		}
		slices.Sort(g.TopicIDs)
		r.groups.Set(doc.ID, g)
		unlock()
	}
	r.log.Info().Int("groups", len(docs)).Int("bindings", bound).Msg("Loaded dialogue bindings")
	return nil
}

// Bind registers groupID/topicID as the hub side of dlg. Binding the same
// dialogue again returns the existing SubGroup; binding a different one
// fails with AlreadyBoundError.
func (r *Registry) Bind(ctx context.Context, groupID, topicID int64, dlg ServiceDialogue, owner Owner) (*SubGroup, error) {
	unlock := r.lock(groupID)
	defer unlock()

	key := bindingKey{groupID, topicID}
	if existing, ok := r.bindings.Get(key); ok {
		if existing.Service == dlg.Service && existing.RemoteDialogueID == dlg.ID && existing.Owner.HubUserID == owner.HubUserID {
			return existing, nil
		}
		return nil, &AlreadyBoundError{GroupID: groupID, TopicID: topicID, ExistingDialogueID: existing.RemoteDialogueID}
	}

	typ := TypeDialogue
	if topicID != 0 {
		typ = TypeTopic
	}
	sub := newSubGroup(groupID, topicID, dlg, owner, typ)
	rk := remoteKey{service: dlg.Service, owner: owner.HubUserID, peer: dlg.ID}
	if actual, wasGet := r.remote.GetOrSet(rk, sub); wasGet {
		return nil, &DialogueInUseError{DialogueID: dlg.ID, GroupID: actual.GroupID, TopicID: actual.TopicID}
	}
	r.bindings.Set(key, sub)

	g, ok := r.groups.Get(groupID)
	if !ok {
		g = &HubGroup{ID: groupID, CreatorID: owner.HubUserID, MinibotAssignments: make(map[int64]int64)}
		r.groups.Set(groupID, g)
	}
	g.TopicIDs = append(g.TopicIDs, topicID)
	slices.Sort(g.TopicIDs)

	if err := r.saveLocked(ctx, g); err != nil {
		r.bindings.Delete(key)
		r.remote.Delete(rk)
		g.TopicIDs = slices.DeleteFunc(g.TopicIDs, func(id int64) bool { return id == topicID })
		return nil, err
	}
	r.log.Info().
		Int64("group_id", groupID).
		Int64("topic_id", topicID).
		Str("service", dlg.Service).
		Int64("peer_id", dlg.ID).
		Int64("hub_user_id", owner.HubUserID).
		Msg("Bound dialogue")
	return sub, nil
}

// LookupByHubChat returns the binding of a hub chat or forum topic.
func (r *Registry) LookupByHubChat(groupID, topicID int64) (*SubGroup, bool) {
	return r.bindings.Get(bindingKey{groupID, topicID})
}

// LookupByRemoteDialogue routes an inbound remote event. The remote ID space
// is per account, so lookups are scoped by the owning hub user.
func (r *Registry) LookupByRemoteDialogue(service string, ownerHubUserID, peerID int64) (*SubGroup, bool) {
	return r.remote.Get(remoteKey{service: service, owner: ownerHubUserID, peer: peerID})
}

// Unbind removes a binding. Ledger history is left untouched.
func (r *Registry) Unbind(ctx context.Context, groupID, topicID int64) (*SubGroup, error) {
	unlock := r.lock(groupID)
	defer unlock()

	key := bindingKey{groupID, topicID}
	sub, ok := r.bindings.Get(key)
	if !ok {
		return nil, ErrNotBound
	}
	r.bindings.Delete(key)
	r.remote.Delete(remoteKey{service: sub.Service, owner: sub.Owner.HubUserID, peer: sub.RemoteDialogueID})
	if g, ok := r.groups.Get(groupID); ok {
		g.TopicIDs = slices.DeleteFunc(g.TopicIDs, func(id int64) bool { return id == topicID })
		if err := r.saveLocked(ctx, g); err != nil {
			return sub, err
		}
	}
	r.log.Info().Int64("group_id", groupID).Int64("topic_id", topicID).Msg("Unbound dialogue")
	return sub, nil
}

// EnsureGroup registers a hub chat the bridge has joined, or refreshes its
// admin flag if it is already known.
func (r *Registry) EnsureGroup(ctx context.Context, groupID, creatorID int64, adminRights bool) (*HubGroup, error) {
	unlock := r.lock(groupID)
	defer unlock()

	g, ok := r.groups.Get(groupID)
	if ok && g.AdminRights == adminRights {
		return g.clone(), nil
	}
	if !ok {
		g = &HubGroup{ID: groupID, CreatorID: creatorID, MinibotAssignments: make(map[int64]int64)}
		r.groups.Set(groupID, g)
	}
	g.AdminRights = adminRights
	if err := r.saveLocked(ctx, g); err != nil {
		return nil, err
	}
	return g.clone(), nil
}

// RemoveGroup forgets a hub chat and every binding in it.
func (r *Registry) RemoveGroup(ctx context.Context, groupID int64) ([]*SubGroup, error) {
	unlock := r.lock(groupID)
	defer unlock()

	g, ok := r.groups.Get(groupID)
	if !ok {
		return nil, nil
	}
	var removed []*SubGroup
	for _, topicID := range g.TopicIDs {
		key := bindingKey{groupID, topicID}
		if sub, ok := r.bindings.Get(key); ok {
			r.bindings.Delete(key)
			r.remote.Delete(remoteKey{service: sub.Service, owner: sub.Owner.HubUserID, peer: sub.RemoteDialogueID})
			removed = append(removed, sub)
		}
	}
	r.groups.Delete(groupID)
	if err := r.store.DeleteGroup(ctx, groupID); err != nil {
		return removed, fmt.Errorf("failed to delete group document: %w", err)
	}
	r.log.Info().Int64("group_id", groupID).Int("bindings", len(removed)).Msg("Removed hub group")
	return removed, nil
}

// Group returns a copy of a hub group.
func (r *Registry) Group(groupID int64) (*HubGroup, bool) {
	unlock := r.lock(groupID)
	defer unlock()
	g, ok := r.groups.Get(groupID)
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// UpdateGroup runs fn on a copy of the group while holding the group lock.
// If fn reports a change, the creator, admin flag and minibot fields are
// written back and persisted.
func (r *Registry) UpdateGroup(ctx context.Context, groupID int64, fn func(g *HubGroup) bool) error {
	unlock := r.lock(groupID)
	defer unlock()

	g, ok := r.groups.Get(groupID)
	if !ok {
		return ErrGroupNotFound
	}
	cp := g.clone()
	if !fn(cp) {
		return nil
	}
	prev := g.clone()
	g.CreatorID = cp.CreatorID
	g.AdminRights = cp.AdminRights
	g.Minibots = cp.Minibots
	g.MinibotAssignments = cp.MinibotAssignments
	if err := r.saveLocked(ctx, g); err != nil {
		g.CreatorID, g.AdminRights, g.Minibots, g.MinibotAssignments = prev.CreatorID, prev.AdminRights, prev.Minibots, prev.MinibotAssignments
		return err
	}
	return nil
}

// SubGroups returns every binding of a hub group ordered by topic ID.
func (r *Registry) SubGroups(groupID int64) []*SubGroup {
	unlock := r.lock(groupID)
	defer unlock()
	g, ok := r.groups.Get(groupID)
	if !ok {
		return nil
	}
	out := make([]*SubGroup, 0, len(g.TopicIDs))
	for _, topicID := range g.TopicIDs {
		if sub, ok := r.bindings.Get(bindingKey{groupID, topicID}); ok {
			out = append(out, sub)
		}
	}
	return out
}

// SetPinned records the hub message pinned for a binding.
func (r *Registry) SetPinned(ctx context.Context, groupID, topicID int64, hubMessageID int) error {
	unlock := r.lock(groupID)
	defer unlock()
	sub, ok := r.bindings.Get(bindingKey{groupID, topicID})
	if !ok {
		return ErrNotBound
	}
	sub.pinnedMessageID.Store(int64(hubMessageID))
	g, ok := r.groups.Get(groupID)
	if !ok {
		return ErrGroupNotFound
	}
	return r.saveLocked(ctx, g)
}

func (r *Registry) saveLocked(ctx context.Context, g *HubGroup) error {
	doc := &store.GroupDocument{
		ID:                 g.ID,
		Creator:            g.CreatorID,
		AdminRights:        g.AdminRights,
		Topics:             make(map[int64]*store.TopicDocument, len(g.TopicIDs)),
		Minibots:           slices.Clone(g.Minibots),
		MinibotAssignments: make(map[int64]int64, len(g.MinibotAssignments)),
	}
	for sender, bot := range g.MinibotAssignments {
		doc.MinibotAssignments[sender] = bot
	}
	for _, topicID := range g.TopicIDs {
		sub, ok := r.bindings.Get(bindingKey{g.ID, topicID})
		if !ok {
			continue
		}
		doc.Topics[topicID] = &store.TopicDocument{
			Service:            sub.Service,
			RemoteDialogueID:   sub.RemoteDialogueID,
			RemoteDialogueName: sub.RemoteDialogueName,
			PinnedMessageID:    sub.PinnedMessageID(),
			Type:               sub.Type,
			OwnerHubUserID:     sub.Owner.HubUserID,
			OwnerRemoteID:      sub.Owner.RemoteUserID,
			IsMultiUser:        sub.IsMultiUser,
		}
	}
	if err := r.store.SaveGroup(ctx, doc); err != nil {
		return fmt.Errorf("failed to save group %d: %w", g.ID, err)
	}
	return nil
}

// IsAlreadyBound reports whether err is an AlreadyBoundError.
func IsAlreadyBound(err error) bool {
	var abe *AlreadyBoundError
	return errors.As(err, &abe)
}
