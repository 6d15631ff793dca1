// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/store"
)

// hubCall is one call made on the recording hub sender.
type hubCall struct {
	Kind       string
	ChatID     int64
	Msg        hub.Message
	MessageIDs []int
	Text       string
	Opts       hub.Options
}

// recordingSender is a hub.Sender that records every call and hands out
// increasing message IDs.
type recordingSender struct {
	mu     sync.Mutex
	nextID int
	calls  []hubCall
}

func (s *recordingSender) record(call hubCall) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Calls returns the recorded calls of one kind ("send", "edit", ...).
func (s *recordingSender) Calls(kind string) []hubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hubCall
	for _, c := range s.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Sends returns the queued sends, excluding bridge notices.
func (s *recordingSender) Sends() []hubCall {
	var out []hubCall
	for _, c := range s.Calls("send") {
		if !c.Opts.BypassQueue {
			out = append(out, c)
		}
	}
	return out
}

// Notices returns the texts of the bridge notices.
func (s *recordingSender) Notices() []string {
	var out []string
	for _, c := range s.Calls("send") {
		if c.Opts.BypassQueue {
			out = append(out, c.Msg.Text)
		}
	}
	return out
}

func (s *recordingSender) SendMessage(_ context.Context, msg hub.Message, opts hub.Options) (*hub.Sent, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.calls = append(s.calls, hubCall{Kind: "send", ChatID: msg.ChatID, Msg: msg, Opts: opts})
	s.mu.Unlock()
	sent := &hub.Sent{MessageIDs: []int{id}}
	for i := range msg.Media {
		sent.FileIDs = append(sent.FileIDs, fmt.Sprintf("file-%d-%d", id, i))
	}
	return sent, nil
}

func (s *recordingSender) EditMessage(_ context.Context, chatID int64, messageID int, text string, opts hub.Options) error {
	s.record(hubCall{Kind: "edit", ChatID: chatID, MessageIDs: []int{messageID}, Text: text, Opts: opts})
	return nil
}

func (s *recordingSender) DeleteMessages(_ context.Context, chatID int64, messageIDs []int, opts hub.Options) error {
	s.record(hubCall{Kind: "delete", ChatID: chatID, MessageIDs: messageIDs, Opts: opts})
	return nil
}

func (s *recordingSender) StartActivity(_ context.Context, chatID, _ int64, kind hub.ActivityKind, opts hub.Options) error {
	s.record(hubCall{Kind: "activity", ChatID: chatID, Text: string(kind), Opts: opts})
	return nil
}

func (s *recordingSender) PinMessage(_ context.Context, chatID int64, messageID int, opts hub.Options) error {
	s.record(hubCall{Kind: "pin", ChatID: chatID, MessageIDs: []int{messageID}, Opts: opts})
	return nil
}

func (s *recordingSender) UnpinMessage(_ context.Context, chatID int64, messageID int, opts hub.Options) error {
	s.record(hubCall{Kind: "unpin", ChatID: chatID, MessageIDs: []int{messageID}, Opts: opts})
	return nil
}

// vkCall records which API method was hit and with which parameters.
type vkCall struct {
	Method string
	Params url.Values
}

// fakeVK is a test helper that wraps an httptest.Server simulating the VK
// API, the longpoll server and a file host. It records calls and provides
// canned responses.
type fakeVK struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []vkCall
	responses map[string]string
	files     map[string][]byte
	nextMsgID int64
	ts        int64
	// updates feeds one longpoll batch per value.
	updates chan string
}

func newFakeVK(t *testing.T) *fakeVK {
	t.Helper()
	f := &fakeVK{
		responses: make(map[string]string),
		files:     make(map[string][]byte),
		nextMsgID: 1000,
		ts:        1,
		updates:   make(chan string, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/method/", f.handleMethod)
	mux.HandleFunc("/longpoll", f.handleLongpoll)
	mux.HandleFunc("/files/", f.handleFile)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// SetResponse overrides the raw JSON body returned for method.
func (f *fakeVK) SetResponse(method, body string) {
	f.mu.Lock()
	f.responses[method] = body
	f.mu.Unlock()
}

// SetFile serves data under URL(name).
func (f *fakeVK) SetFile(name string, data []byte) {
	f.mu.Lock()
	f.files[name] = data
	f.mu.Unlock()
}

func (f *fakeVK) FileURL(name string) string {
	return f.Server.URL + "/files/" + name
}

// Push queues one longpoll batch of raw update arrays.
func (f *fakeVK) Push(updates ...string) {
	f.updates <- "[" + strings.Join(updates, ",") + "]"
}

// Calls returns the recorded calls of method.
func (f *fakeVK) Calls(method string) []vkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vkCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeVK) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/method/")
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, vkCall{Method: method, Params: r.PostForm})
	body, ok := f.responses[method]
	if !ok {
		body = f.defaultResponse(method, r.PostForm)
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

// defaultResponse must be called with f.mu held.
func (f *fakeVK) defaultResponse(method string, params url.Values) string {
	switch method {
	case "users.get":
		ids := params.Get("user_ids")
		if ids == "" {
			return `{"response":[{"id":10,"first_name":"Owner","last_name":"Account","screen_name":"owner"}]}`
		}
		var users []string
		for _, id := range strings.Split(ids, ",") {
			users = append(users, fmt.Sprintf(`{"id":%s,"first_name":"User","last_name":%q}`, id, id))
		}
		return `{"response":[` + strings.Join(users, ",") + `]}`
	case "messages.getConversationsById":
		peer, _ := strconv.ParseInt(params.Get("peer_ids"), 10, 64)
		if IsChatPeer(peer) {
			return fmt.Sprintf(`{"response":{"items":[{"peer":{"id":%d,"type":"chat"},"chat_settings":{"title":"Group chat"}}]}}`, peer)
		}
		return fmt.Sprintf(`{"response":{"items":[{"peer":{"id":%d,"type":"user"}}],"profiles":[{"id":%d,"first_name":"Peer","last_name":"Person"}]}}`, peer, peer)
	case "messages.getLongPollServer":
		return fmt.Sprintf(`{"response":{"server":%q,"key":"k","ts":%d}}`, f.Server.URL+"/longpoll", f.ts)
	case "messages.send":
		f.nextMsgID++
		return fmt.Sprintf(`{"response":%d}`, f.nextMsgID)
	default:
		return `{"response":1}`
	}
}

func (f *fakeVK) handleLongpoll(w http.ResponseWriter, r *http.Request) {
	var batch string
	select {
	case batch = <-f.updates:
	case <-r.Context().Done():
		return
	case <-time.After(100 * time.Millisecond):
		batch = "[]"
	}
	f.mu.Lock()
	f.ts++
	ts := f.ts
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"ts":%d,"updates":%s}`, ts, batch)
}

func (f *fakeVK) handleFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.files[strings.TrimPrefix(r.URL.Path, "/files/")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

// fakeFiles resolves hub file IDs to files of the fake VK server.
type fakeFiles struct {
	vk *fakeVK
}

func (f fakeFiles) FileURL(fileID string) (string, error) {
	return f.vk.FileURL(fileID), nil
}

// fakePool is a MinibotPool holding a fixed set of bots.
type fakePool struct {
	mu   sync.Mutex
	bots []int64
}

func (p *fakePool) HasBot(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bots {
		if b == id {
			return true
		}
	}
	return false
}

func (p *fakePool) ReloadMinibots(tokens []string) (added, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed = len(p.bots)
	p.bots = p.bots[:0]
	for _, token := range tokens {
		id, _, _ := strings.Cut(token, ":")
		n, err := strconv.ParseInt(id, 10, 64)
		if err == nil {
			p.bots = append(p.bots, n)
		}
	}
	return len(p.bots), removed
}

func (p *fakePool) Minibots() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.bots...)
}

// remoteSend is one message sent through fakeConnector.
type remoteSend struct {
	PeerID int64
	Text   string
	Opts   SendOptions
}

// fakeConnector is a ServiceConnector recording what the bridge asks of
// the remote account.
type fakeConnector struct {
	mu       sync.Mutex
	loggedIn bool
	nextID   int64
	sendErr  error
	sent     []remoteSend
	edits    []string
	deleted  []int64
	reads    []int64
	typing   int

	disconnected bool
}

var _ ServiceConnector = (*fakeConnector)(nil)

func newFakeConnector() *fakeConnector {
	return &fakeConnector{loggedIn: true, nextID: 500}
}

func (f *fakeConnector) ServiceName() string     { return ServiceVK }
func (f *fakeConnector) Connect(context.Context) {}
func (f *fakeConnector) RemoteUserID() int64     { return 10 }

func (f *fakeConnector) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeConnector) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeConnector) setLoggedIn(loggedIn bool) {
	f.mu.Lock()
	f.loggedIn = loggedIn
	f.mu.Unlock()
}

func (f *fakeConnector) SendMessage(_ context.Context, peerID int64, text string, opts SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, remoteSend{PeerID: peerID, Text: text, Opts: opts})
	return f.nextID, nil
}

func (f *fakeConnector) EditMessage(_ context.Context, _, messageID int64, text string) error {
	f.mu.Lock()
	f.edits = append(f.edits, strconv.FormatInt(messageID, 10)+":"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) DeleteMessages(_ context.Context, ids []int64) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ids...)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) MarkAsRead(_ context.Context, _, messageID int64) error {
	f.mu.Lock()
	f.reads = append(f.reads, messageID)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) StartTyping(context.Context, int64) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) GetDialogue(_ context.Context, peerID int64, _ bool) (dialogue.ServiceDialogue, error) {
	return dialogue.ServiceDialogue{
		Service:     ServiceVK,
		ID:          peerID,
		Name:        "Dialogue " + strconv.FormatInt(peerID, 10),
		IsMultiUser: IsChatPeer(peerID),
		FetchedAt:   time.Now(),
	}, nil
}

func (f *fakeConnector) Sent() []remoteSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteSend(nil), f.sent...)
}

// testBridge bundles a bridge with its fakes.
type testBridge struct {
	*Bridge
	hub  *recordingSender
	vk   *fakeVK
	pool *fakePool
}

// newTestBridge creates a bridge backed by an in-memory store, a recording
// hub sender and a fake VK server. Queued hub sends never drop.
func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	vk := newFakeVK(t)
	cfg := validConfig()
	cfg.VK.APIURL = vk.Server.URL + "/method"
	cfg.VK.LongpollWait = 1
	cfg.Limits.QueueMaxDelayMS = -1
	cfg.Limits.AlbumDebounceMS = 50
	cfg.RateLimits = []RateLimitConfig{{Limit: 1000, PerMS: 1000}}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	sender := &recordingSender{}
	pool := &fakePool{}
	b := NewBridge(cfg, Options{
		Store:      store.New(store.NewMemoryBackend()),
		Hub:        sender,
		MainBotID:  1,
		Minibots:   pool,
		Files:      fakeFiles{vk: vk},
		HTTPClient: vk.Server.Client(),
	}, zerolog.Nop())
	t.Cleanup(b.Stop)
	return &testBridge{Bridge: b, hub: sender, vk: vk, pool: pool}
}

// attachVK registers a logged-in VK client for hubUserID without starting
// its longpoll feed. Events are fed through handleEvent.
func (tb *testBridge) attachVK(hubUserID int64) *VKClient {
	c := NewVKClient(tb.Bridge, hubUserID, "tok", 10)
	c.loggedIn.Store(true)
	tb.clientsMu.Lock()
	tb.clients[hubUserID] = c
	tb.clientsMu.Unlock()
	return c
}

// attachFake registers a fake connector for hubUserID.
func (tb *testBridge) attachFake(hubUserID int64) *fakeConnector {
	c := newFakeConnector()
	tb.clientsMu.Lock()
	tb.clients[hubUserID] = c
	tb.clientsMu.Unlock()
	return c
}

func (tb *testBridge) bind(t *testing.T, groupID, topicID, hubUserID, peerID int64) *dialogue.SubGroup {
	t.Helper()
	sub, err := tb.BindDialogue(context.Background(), groupID, topicID, hubUserID, ServiceVK, peerID)
	if err != nil {
		t.Fatalf("BindDialogue: %v", err)
	}
	return sub
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
