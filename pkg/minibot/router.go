// Copyright 2024-2026 Aiku AI

// Package minibot assigns auxiliary bot identities to remote senders so a
// multi-user dialogue stays readable in the hub.
package minibot

import (
	"context"
	"errors"
	"slices"

	"github.com/rs/zerolog"

	"github.com/aiku/telehooper/pkg/dialogue"
)

// MainIdentity stands for the main bot.
const MainIdentity int64 = 0

// Router resolves which bot speaks for a remote sender. Assignments live in
// the hub group document and therefore survive restarts.
type Router struct {
	registry *dialogue.Registry
	// loaded, if set, filters the group's pool down to bots the process
	// holds a token for.
	loaded func(botID int64) bool
	log    zerolog.Logger
}

// NewRouter creates a router. loaded may be nil.
func NewRouter(registry *dialogue.Registry, loaded func(botID int64) bool, log zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		loaded:   loaded,
		log:      log.With().Str("component", "minibot_router").Logger(),
	}
}

func (r *Router) pool(g *dialogue.HubGroup) []int64 {
	if r.loaded == nil {
		return g.Minibots
	}
	pool := make([]int64, 0, len(g.Minibots))
	for _, id := range g.Minibots {
		if r.loaded(id) {
			pool = append(pool, id)
		}
	}
	return pool
}

// pick prefers the first pool bot nobody else uses, then falls back to
// round-robin over the pool by number of assigned senders.
func pick(pool []int64, assignments map[int64]int64, senderID int64) int64 {
	used := make(map[int64]bool, len(assignments))
	for sender, bot := range assignments {
		if sender != senderID {
			used[bot] = true
		}
	}
	for _, bot := range pool {
		if !used[bot] {
			return bot
		}
	}
	return pool[len(assignments)%len(pool)]
}

// ResolveSenderIdentity returns the bot that should post messages of
// senderID in sub, or MainIdentity. The owner of the bridged account, 1:1
// dialogues and groups without minibots always use the main bot.
func (r *Router) ResolveSenderIdentity(ctx context.Context, sub *dialogue.SubGroup, senderID int64) int64 {
	if sub == nil || !sub.IsMultiUser || senderID == 0 || senderID == sub.Owner.RemoteUserID {
		return MainIdentity
	}
	chosen := MainIdentity
	err := r.registry.UpdateGroup(ctx, sub.GroupID, func(g *dialogue.HubGroup) bool {
		pool := r.pool(g)
		if len(pool) == 0 {
			return false
		}
		if bot, ok := g.MinibotAssignments[senderID]; ok && slices.Contains(pool, bot) {
			chosen = bot
			return false
		}
		delete(g.MinibotAssignments, senderID)
		chosen = pick(pool, g.MinibotAssignments, senderID)
		g.MinibotAssignments[senderID] = chosen
		return true
	})
	if errors.Is(err, dialogue.ErrGroupNotFound) {
		return MainIdentity
	} else if err != nil {
		r.log.Warn().Err(err).
			Int64("group_id", sub.GroupID).
			Int64("sender_id", senderID).
			Msg("Failed to persist minibot assignment")
	} else if chosen != MainIdentity {
		r.log.Trace().Int64("group_id", sub.GroupID).Int64("sender_id", senderID).Int64("bot_id", chosen).Msg("Resolved minibot")
	}
	return chosen
}

// AddMinibot adds a bot to the pool of a hub group.
func (r *Router) AddMinibot(ctx context.Context, groupID, botID int64) error {
	return r.registry.UpdateGroup(ctx, groupID, func(g *dialogue.HubGroup) bool {
		if slices.Contains(g.Minibots, botID) {
			return false
		}
		g.Minibots = append(g.Minibots, botID)
		return true
	})
}

// RemoveMinibot removes a bot from the pool of a hub group and drops every
// assignment to it, so its senders are reassigned on their next message.
func (r *Router) RemoveMinibot(ctx context.Context, groupID, botID int64) error {
	return r.registry.UpdateGroup(ctx, groupID, func(g *dialogue.HubGroup) bool {
		idx := slices.Index(g.Minibots, botID)
		if idx < 0 {
			return false
		}
		g.Minibots = slices.Delete(g.Minibots, idx, idx+1)
		for sender, bot := range g.MinibotAssignments {
			if bot == botID {
				delete(g.MinibotAssignments, sender)
			}
		}
		return true
	})
}
