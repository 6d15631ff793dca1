// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aiku/telehooper/pkg/dialogue"
)

// maxAdminBodySize is the maximum allowed request body for admin calls (1 MB).
const maxAdminBodySize = 1 << 20

// MinibotEntry is one minibot in a reload request.
type MinibotEntry struct {
	Token string `json:"token"`
}

type linkRequest struct {
	HubUserID int64  `json:"hub_user_id"`
	Token     string `json:"token"`
}

type bindRequest struct {
	HubUserID int64 `json:"hub_user_id"`
	GroupID   int64 `json:"group_id"`
	TopicID   int64 `json:"topic_id"`
	PeerID    int64 `json:"peer_id"`
}

type sendRequest struct {
	GroupID int64  `json:"group_id"`
	TopicID int64  `json:"topic_id"`
	HTML    string `json:"html"`
}

// AdminHandler returns the admin API.
func (b *Bridge) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reload-minibots", b.HandleReloadMinibots)
	mux.HandleFunc("/api/link", b.handleLink)
	mux.HandleFunc("/api/bind", b.handleBind)
	mux.HandleFunc("/api/unbind", b.handleUnbind)
	mux.HandleFunc("/api/send", b.handleSend)
	return mux
}

// readBody reads an optional JSON body into v. It reports whether a body
// was present and writes the error response itself.
func readBody(w http.ResponseWriter, r *http.Request, v any) (present, ok bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false, false
	}
	if r.Body == nil || r.ContentLength == 0 {
		return false, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false, false
	}
	if len(body) == 0 {
		return false, true
	}
	if err = json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false, false
	}
	return true, true
}

func (b *Bridge) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleReloadMinibots is an HTTP handler for POST /api/reload-minibots.
// It accepts an optional JSON body with explicit minibot entries; if the
// body is empty or absent, it reloads the tokens from the config.
func (b *Bridge) HandleReloadMinibots(w http.ResponseWriter, r *http.Request) {
	var entries []MinibotEntry
	present, ok := readBody(w, r, &entries)
	if !ok {
		return
	}
	if b.pool == nil {
		http.Error(w, "minibots are not available", http.StatusServiceUnavailable)
		return
	}
	tokens := b.Config.Telegram.Minibots
	source := "config"
	if present && len(entries) > 0 {
		tokens = make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.Token != "" {
				tokens = append(tokens, entry.Token)
			}
		}
		source = "body"
	}
	b.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(tokens)).
		Str("source", source).
		Msg("Processing minibot reload")

	added, removed := b.pool.ReloadMinibots(tokens)
	b.writeJSON(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   len(b.pool.Minibots()),
	})
}

func (b *Bridge) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if _, ok := readBody(w, r, &req); !ok {
		return
	}
	if req.HubUserID == 0 {
		http.Error(w, "hub_user_id is required", http.StatusBadRequest)
		return
	}
	remoteID, err := b.LinkAccount(r.Context(), req.HubUserID, req.Token)
	switch {
	case errors.Is(err, ErrEmptyToken):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil && remoteID == 0:
		b.Log.Warn().Err(err).Int64("hub_user_id", req.HubUserID).Msg("Admin link failed")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		b.Log.Warn().Err(err).Int64("hub_user_id", req.HubUserID).Msg("Linked account failed to start")
	}
	b.writeJSON(w, http.StatusOK, map[string]int64{"remote_user_id": remoteID})
}

func (b *Bridge) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if _, ok := readBody(w, r, &req); !ok {
		return
	}
	sub, err := b.BindDialogue(r.Context(), req.GroupID, req.TopicID, req.HubUserID, ServiceVK, req.PeerID)
	var inUse *dialogue.DialogueInUseError
	switch {
	case dialogue.IsAlreadyBound(err), errors.As(err, &inUse):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrAccountNotConnected):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
		return
	case errors.Is(err, ErrNotGroupCreator):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, http.StatusOK, map[string]any{
		"group_id": sub.GroupID,
		"topic_id": sub.TopicID,
		"peer_id":  sub.RemoteDialogueID,
		"name":     sub.RemoteDialogueName,
	})
}

func (b *Bridge) handleUnbind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if _, ok := readBody(w, r, &req); !ok {
		return
	}
	err := b.UnbindDialogue(r.Context(), req.GroupID, req.TopicID)
	if errors.Is(err, dialogue.ErrNotBound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSend posts a message into a bound dialogue as its owner.
func (b *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if _, ok := readBody(w, r, &req); !ok {
		return
	}
	sub, ok := b.Registry.LookupByHubChat(req.GroupID, req.TopicID)
	if !ok {
		http.Error(w, dialogue.ErrNotBound.Error(), http.StatusNotFound)
		return
	}
	client, ok := b.Client(sub.Owner.HubUserID)
	if !ok || !client.IsLoggedIn() {
		http.Error(w, ErrAccountNotConnected.Error(), http.StatusPreconditionFailed)
		return
	}
	msg := HubMessage{ChatID: sub.GroupID, TopicID: sub.TopicID, SenderID: sub.Owner.HubUserID, HTML: req.HTML}
	if err := b.sendToRemote(r.Context(), sub, client, []HubMessage{msg}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
