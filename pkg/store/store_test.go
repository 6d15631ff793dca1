// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestGroupDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend)
			doc := &GroupDocument{
				ID:          -100123,
				Creator:     42,
				AdminRights: true,
				Topics: map[int64]*TopicDocument{
					0: {Service: "vk", RemoteDialogueID: 100, RemoteDialogueName: "Alice", Type: "dialogue", OwnerHubUserID: 42},
				},
				Minibots:           []int64{7001},
				MinibotAssignments: map[int64]int64{555: 7001},
			}
			if err := s.SaveGroup(ctx, doc); err != nil {
				t.Fatalf("SaveGroup: %v", err)
			}
			got, err := s.GetGroup(ctx, -100123)
			if err != nil {
				t.Fatalf("GetGroup: %v", err)
			}
			if got.Creator != 42 || !got.AdminRights {
				t.Errorf("GetGroup: got %+v", got)
			}
			if got.Topics[0] == nil || got.Topics[0].RemoteDialogueID != 100 {
				t.Errorf("topic 0: got %+v", got.Topics[0])
			}
			if got.MinibotAssignments[555] != 7001 {
				t.Errorf("assignments: got %v", got.MinibotAssignments)
			}

			if err := s.DeleteGroup(ctx, -100123); err != nil {
				t.Fatalf("DeleteGroup: %v", err)
			}
			if _, err := s.GetGroup(ctx, -100123); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetGroup after delete: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	t.Parallel()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend)
			_ = s.SaveUser(ctx, &UserDocument{ID: 1, Connections: map[string]*ConnectionDocument{"vk": {RemoteUserID: 10}}})
			_ = s.SaveUser(ctx, &UserDocument{ID: 1, Connections: map[string]*ConnectionDocument{"vk": {RemoteUserID: 20}}})
			users, err := s.ListUsers(ctx)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if len(users) != 1 {
				t.Fatalf("ListUsers: got %d users, want 1", len(users))
			}
			if users[0].Connections["vk"].RemoteUserID != 20 {
				t.Errorf("RemoteUserID: got %d, want 20", users[0].Connections["vk"].RemoteUserID)
			}
		})
	}
}

func TestMessagesAndAttachments(t *testing.T) {
	t.Parallel()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend)
			msg := &MessageDocument{ID: "m1", Service: "vk", OwnerID: 1, HubChatID: 42, HubIDs: []int{5}, RemoteIDs: []int64{555}}
			if err := s.SaveMessage(ctx, msg); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}
			msgs, err := s.ListMessages(ctx)
			if err != nil || len(msgs) != 1 || msgs[0].RemoteIDs[0] != 555 {
				t.Fatalf("ListMessages: got %v, %v", msgs, err)
			}
			if err := s.DeleteMessage(ctx, "m1"); err != nil {
				t.Fatalf("DeleteMessage: %v", err)
			}
			if msgs, _ := s.ListMessages(ctx); len(msgs) != 0 {
				t.Errorf("ListMessages after delete: got %d", len(msgs))
			}

			if _, err := s.GetAttachment(ctx, "hash"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetAttachment miss: got %v", err)
			}
			if err := s.PutAttachment(ctx, "hash", "sealed"); err != nil {
				t.Fatalf("PutAttachment: %v", err)
			}
			if v, err := s.GetAttachment(ctx, "hash"); err != nil || v != "sealed" {
				t.Errorf("GetAttachment: got %q, %v", v, err)
			}
		})
	}
}
