// Copyright 2024-2026 Aiku AI

package dialogue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telehooper/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemoryBackend())
	return NewRegistry(st, zerolog.Nop()), st
}

var alice = ServiceDialogue{Service: "vk", ID: 100, Name: "Alice"}
var bob = ServiceDialogue{Service: "vk", ID: 200, Name: "Bob"}
var owner = Owner{HubUserID: 1, RemoteUserID: 10}

func TestBindIdempotent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Bind(ctx, 42, 0, alice, owner)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	second, err := r.Bind(ctx, 42, 0, alice, owner)
	if err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	if first != second {
		t.Error("second Bind with the same dialogue should return the existing SubGroup")
	}
	if subs := r.SubGroups(42); len(subs) != 1 {
		t.Errorf("SubGroups: got %d, want 1", len(subs))
	}
}

func TestBindDifferentDialogueFails(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 42, 0, alice, owner); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	_, err := r.Bind(ctx, 42, 0, bob, owner)
	var abe *AlreadyBoundError
	if !errors.As(err, &abe) {
		t.Fatalf("second Bind: got %v, want AlreadyBoundError", err)
	}
	if abe.ExistingDialogueID != 100 {
		t.Errorf("ExistingDialogueID: got %d, want 100", abe.ExistingDialogueID)
	}
	if !IsAlreadyBound(err) {
		t.Error("IsAlreadyBound should report true")
	}
	if sub, _ := r.LookupByHubChat(42, 0); sub.RemoteDialogueID != 100 {
		t.Errorf("binding changed after failed Bind: %d", sub.RemoteDialogueID)
	}
}

func TestBindDialogueInUse(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 42, 0, alice, owner); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	_, err := r.Bind(ctx, 43, 0, alice, owner)
	var inUse *DialogueInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("Bind in other group: got %v, want DialogueInUseError", err)
	}
	if _, ok := r.LookupByHubChat(43, 0); ok {
		t.Error("failed Bind should not leave a binding behind")
	}

	// Another owner has a separate remote ID space.
	other := Owner{HubUserID: 2, RemoteUserID: 20}
	if _, err := r.Bind(ctx, 43, 0, alice, other); err != nil {
		t.Errorf("Bind for another owner: %v", err)
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 42, 7, alice, owner); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	sub, ok := r.LookupByRemoteDialogue("vk", 1, 100)
	if !ok {
		t.Fatal("LookupByRemoteDialogue: not found")
	}
	if sub.GroupID != 42 || sub.TopicID != 7 || sub.Type != TypeTopic {
		t.Errorf("LookupByRemoteDialogue: got %+v", sub)
	}
	if _, ok := r.LookupByRemoteDialogue("vk", 2, 100); ok {
		t.Error("lookup for another owner should miss")
	}
	if _, ok := r.LookupByHubChat(42, 0); ok {
		t.Error("lookup of unbound topic should miss")
	}
}

func TestUnbind(t *testing.T) {
	t.Parallel()
	r, st := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 42, 0, alice, owner); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := r.Unbind(ctx, 42, 0); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, ok := r.LookupByHubChat(42, 0); ok {
		t.Error("LookupByHubChat after Unbind should miss")
	}
	if _, ok := r.LookupByRemoteDialogue("vk", 1, 100); ok {
		t.Error("LookupByRemoteDialogue after Unbind should miss")
	}
	if _, err := r.Unbind(ctx, 42, 0); !errors.Is(err, ErrNotBound) {
		t.Errorf("second Unbind: got %v, want ErrNotBound", err)
	}
	doc, err := st.GetGroup(ctx, 42)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(doc.Topics) != 0 {
		t.Errorf("persisted topics after Unbind: %v", doc.Topics)
	}
	// Rebinding to another dialogue is allowed once unbound.
	if _, err := r.Bind(ctx, 42, 0, bob, owner); err != nil {
		t.Errorf("Bind after Unbind: %v", err)
	}
}

func TestLoadRestoresBindings(t *testing.T) {
	t.Parallel()
	r, st := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 42, 0, alice, owner); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := r.SetPinned(ctx, 42, 0, 99); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}
	err := r.UpdateGroup(ctx, 42, func(g *HubGroup) bool {
		g.Minibots = append(g.Minibots, 7001)
		g.MinibotAssignments[555] = 7001
		return true
	})
	if err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}

	restored := NewRegistry(st, zerolog.Nop())
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub, ok := restored.LookupByRemoteDialogue("vk", 1, 100)
	if !ok {
		t.Fatal("binding not restored")
	}
	if sub.PinnedMessageID() != 99 || sub.Owner.RemoteUserID != 10 {
		t.Errorf("restored SubGroup: pinned=%d owner=%+v", sub.PinnedMessageID(), sub.Owner)
	}
	g, ok := restored.Group(42)
	if !ok {
		t.Fatal("group not restored")
	}
	if len(g.Minibots) != 1 || g.MinibotAssignments[555] != 7001 {
		t.Errorf("restored group: %+v", g)
	}
}

func TestGroupReturnsCopy(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.EnsureGroup(ctx, 42, 1, true); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	g, _ := r.Group(42)
	g.Minibots = append(g.Minibots, 1)
	g.MinibotAssignments[1] = 1
	again, _ := r.Group(42)
	if len(again.Minibots) != 0 || len(again.MinibotAssignments) != 0 {
		t.Errorf("mutating a returned group leaked into the registry: %+v", again)
	}
}

func TestRemoveGroup(t *testing.T) {
	t.Parallel()
	r, st := newTestRegistry(t)
	ctx := context.Background()
	_, _ = r.Bind(ctx, 42, 1, alice, owner)
	_, _ = r.Bind(ctx, 42, 2, bob, owner)

	removed, err := r.RemoveGroup(ctx, 42)
	if err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed: got %d, want 2", len(removed))
	}
	if _, ok := r.LookupByRemoteDialogue("vk", 1, 200); ok {
		t.Error("binding survived RemoveGroup")
	}
	if _, err := st.GetGroup(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("group document after RemoveGroup: %v", err)
	}
}

func TestUpdateGroupUnknown(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	err := r.UpdateGroup(context.Background(), 5, func(*HubGroup) bool { return true })
	if !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("UpdateGroup: got %v, want ErrGroupNotFound", err)
	}
}

func TestConcurrentBindSameChat(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var bound, rejected int
	for i := range 10 {
		wg.Add(1)
		go func(peer int64) {
			defer wg.Done()
			_, err := r.Bind(ctx, 42, 0, ServiceDialogue{Service: "vk", ID: peer}, owner)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				bound++
			} else if IsAlreadyBound(err) {
				rejected++
			}
		}(int64(1000 + i))
	}
	wg.Wait()
	if bound != 1 || rejected != 9 {
		t.Errorf("bound=%d rejected=%d, want 1 and 9", bound, rejected)
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	t.Parallel()
	c := NewTTLCache[string, int64](50 * time.Millisecond)

	c.Set("hello", 0)
	if _, ok := c.Get("hello"); !ok {
		t.Fatal("fresh entry missing")
	}
	if v, ok := c.Pop("hello"); !ok || v != 0 {
		t.Fatalf("Pop before expiry: %v %v", v, ok)
	}
	if _, ok := c.Get("hello"); ok {
		t.Error("Pop should remove the entry")
	}
	if _, ok := c.Pop("hello"); ok {
		t.Error("second Pop should miss")
	}

	c.Set("bye", 5)
	c.Set("keep", 6)
	c.Delete("keep")
	if c.Len() != 1 {
		t.Errorf("Len before expiry: got %d, want 1", c.Len())
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get("bye"); ok {
		t.Error("entry should expire after ttl")
	}
	if _, ok := c.Pop("bye"); ok {
		t.Error("Pop should miss expired entries")
	}
	if c.Len() != 0 {
		t.Errorf("Len: got %d", c.Len())
	}
}

func TestTTLCacheReadsDoNotExtendLifetime(t *testing.T) {
	t.Parallel()
	c := NewTTLCache[string, int64](60 * time.Millisecond)
	c.Set("k", 1)
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("k"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("entry kept alive by reads")
}
