// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/ledger"
	"github.com/aiku/telehooper/pkg/minibot"
	"github.com/aiku/telehooper/pkg/ratelimit"
	"github.com/aiku/telehooper/pkg/store"
)

var (
	ErrAccountNotConnected = errors.New("account is not connected")
	ErrUnknownService      = errors.New("unknown service")
	ErrNotGroupCreator     = errors.New("only the creator of the hub group can bind dialogues in it")
	ErrInvalidVideoQuality = errors.New("unsupported video quality")
)

// EventKind names an engine event.
type EventKind string

const (
	// EventAccountState carries a status.BridgeState change of an account.
	EventAccountState EventKind = "account_state"
	// EventReadReceipt reports that a remote dialogue was read up to a
	// message. Telegram bots cannot mark messages as read, so this is only
	// published.
	EventReadReceipt EventKind = "read_receipt"
	// EventDisconnect reports that an account's update feed ended.
	EventDisconnect EventKind = "disconnect"
)

// Event is published to subscribers.
type Event struct {
	Kind      EventKind
	HubUserID int64
	Service   string
	State     status.BridgeState
	PeerID    int64
	MessageID int64
	// Outgoing is set on read receipts for messages of the account holder.
	Outgoing bool
	Reason   string
}

// MinibotPool is the set of auxiliary hub bots the process can speak through.
type MinibotPool interface {
	HasBot(id int64) bool
	ReloadMinibots(tokens []string) (added, removed int)
	Minibots() []int64
}

// FileResolver turns hub file IDs into download URLs.
type FileResolver interface {
	FileURL(fileID string) (string, error)
}

// Options carry the collaborators of a Bridge.
type Options struct {
	Store *store.Store
	// Hub is the raw hub sender. The bridge wraps it in a QueuedSender.
	Hub       hub.Sender
	MainBotID int64
	Minibots  MinibotPool
	Files     FileResolver
	// HTTPClient is used for VK API calls, longpoll and media downloads.
	HTTPClient *http.Client
	Transcoder attachment.Transcoder
}

// Bridge ties the hub and the VK accounts of all linked users together.
type Bridge struct {
	Config      *Config
	Store       *store.Store
	Registry    *dialogue.Registry
	Ledger      *ledger.Ledger
	Limiter     *ratelimit.Limiter
	Hub         *hub.QueuedSender
	Attachments *attachment.Pipeline
	Minibots    *minibot.Router
	Log         zerolog.Logger

	mainBotID int64
	pool      MinibotPool
	files     FileResolver
	http      *http.Client

	clients   map[int64]ServiceConnector
	clientsMu sync.RWMutex
	// usersMu serializes read-modify-write cycles of user documents.
	usersMu sync.Mutex

	subscribers []func(Event)
	subsMu      sync.RWMutex

	albums *albumDebouncer

	ctx      context.Context
	cancel   context.CancelFunc
	admin    *http.Server
	stopOnce sync.Once
}

// NewBridge wires the engine components. cfg must be post-processed.
func NewBridge(cfg *Config, opts Options, log zerolog.Logger) *Bridge {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	limiter := ratelimit.New(cfg.Windows()...)
	b := &Bridge{
		Config:   cfg,
		Store:    opts.Store,
		Registry: dialogue.NewRegistry(opts.Store, log),
		Ledger:   ledger.New(opts.Store, log),
		Limiter:  limiter,
		Hub:      hub.NewQueuedSender(opts.Hub, limiter, opts.MainBotID, cfg.QueueMaxDelay(), log),
		Attachments: attachment.New(opts.Store, attachment.Options{
			HTTPClient:          httpClient,
			MaxSize:             cfg.Limits.MaxAttachmentSize,
			DefaultVideoQuality: cfg.VideoQuality,
			Transcoder:          opts.Transcoder,
			Service:             ServiceVK,
		}, log),
		Log:       log.With().Str("component", "bridge").Logger(),
		mainBotID: opts.MainBotID,
		pool:      opts.Minibots,
		files:     opts.Files,
		http:      httpClient,
		clients:   make(map[int64]ServiceConnector),
		ctx:       context.Background(),
		cancel:    func() {},
	}
	var loaded func(int64) bool
	if opts.Minibots != nil {
		loaded = opts.Minibots.HasBot
	}
	b.Minibots = minibot.NewRouter(b.Registry, loaded, log)
	b.albums = newAlbumDebouncer(cfg.AlbumDebounce(), b.flushAlbum)
	return b
}

// Start loads persisted state, starts the background loops and connects
// every linked account.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.Registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load dialogue bindings: %w", err)
	}
	if err := b.Ledger.Load(ctx); err != nil {
		return fmt.Errorf("failed to load message ledger: %w", err)
	}

	go b.Ledger.RunPruner(b.ctx,
		time.Duration(b.Config.Ledger.PruneIntervalMinutes)*time.Minute,
		time.Duration(b.Config.Ledger.MaxAgeHours)*time.Hour)

	if b.Config.AdminAPIAddr != "" {
		b.admin = &http.Server{
			Addr:         b.Config.AdminAPIAddr,
			Handler:      b.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			b.Log.Info().Str("addr", b.admin.Addr).Msg("Starting bridge admin API")
			if err := b.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}

	b.startAccounts(ctx)
	return nil
}

// startAccounts connects every account with a stored connection. Failures
// are logged and do not stop the others.
func (b *Bridge) startAccounts(ctx context.Context) {
	users, err := b.Store.ListUsers(ctx)
	if err != nil {
		b.Log.Error().Err(err).Msg("Failed to list linked accounts")
		return
	}
	started := 0
	for _, user := range users {
		if _, ok := user.Connections[ServiceVK]; !ok {
			continue
		}
		if err = b.StartAccount(ctx, user.ID, ServiceVK); err != nil {
			b.Log.Error().Err(err).Int64("hub_user_id", user.ID).Msg("Failed to start account")
			continue
		}
		started++
	}
	b.Log.Info().Int("accounts", started).Msg("Started linked accounts")
}

// Stop disconnects every account and stops the background loops. Pending
// albums are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.albums.Stop()

		b.clientsMu.Lock()
		clients := b.clients
		b.clients = make(map[int64]ServiceConnector)
		b.clientsMu.Unlock()
		for _, client := range clients {
			client.Disconnect()
		}

		if b.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.admin.Shutdown(ctx); err != nil {
				b.Log.Warn().Err(err).Msg("Failed to shut down admin API")
			}
		}
		b.Log.Info().Msg("Bridge stopped")
	})
}

// Client returns the connected account of a hub user.
func (b *Bridge) Client(hubUserID int64) (ServiceConnector, bool) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	client, ok := b.clients[hubUserID]
	return client, ok
}

// StartAccount connects the stored account of a hub user, replacing a
// running connection.
func (b *Bridge) StartAccount(ctx context.Context, hubUserID int64, service string) error {
	if service != ServiceVK {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	token, conn, err := b.loadConnection(ctx, hubUserID)
	if err != nil {
		return err
	}
	client := NewVKClient(b, hubUserID, token, conn.RemoteUserID)
	client.SetVideoQuality(conn.VideoQuality)
	client.Connect(b.ctx)

	b.clientsMu.Lock()
	old := b.clients[hubUserID]
	b.clients[hubUserID] = client
	b.clientsMu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	return nil
}

// StopAccount disconnects a hub user's account. Bindings and history are kept.
func (b *Bridge) StopAccount(hubUserID int64) {
	b.clientsMu.Lock()
	client, ok := b.clients[hubUserID]
	delete(b.clients, hubUserID)
	b.clientsMu.Unlock()
	if ok {
		client.Disconnect()
	}
}

// Subscribe registers fn for engine events. fn is called synchronously from
// the publishing goroutine and must not block.
func (b *Bridge) Subscribe(fn func(Event)) {
	b.subsMu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.subsMu.Unlock()
}

func (b *Bridge) publish(evt Event) {
	b.subsMu.RLock()
	subs := slices.Clone(b.subscribers)
	b.subsMu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// BindDialogue binds a hub chat (or forum topic) to a remote dialogue of
// the hub user's account.
func (b *Bridge) BindDialogue(ctx context.Context, groupID, topicID, hubUserID int64, service string, peerID int64) (*dialogue.SubGroup, error) {
	if service != ServiceVK {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	client, ok := b.Client(hubUserID)
	if !ok {
		return nil, ErrAccountNotConnected
	}
	if g, ok := b.Registry.Group(groupID); ok && g.CreatorID != 0 && g.CreatorID != hubUserID {
		return nil, ErrNotGroupCreator
	}
	dlg, err := client.GetDialogue(ctx, peerID, true)
	if err != nil {
		return nil, err
	}
	sub, err := b.Registry.Bind(ctx, groupID, topicID, dlg, dialogue.Owner{
		HubUserID:    hubUserID,
		RemoteUserID: client.RemoteUserID(),
	})
	if err != nil {
		return nil, err
	}
	err = b.updateConnection(ctx, hubUserID, func(conn *store.ConnectionDocument) {
		if !slices.Contains(conn.OwnedDialogues, peerID) {
			conn.OwnedDialogues = append(conn.OwnedDialogues, peerID)
		}
	})
	if err != nil {
		b.Log.Warn().Err(err).Int64("hub_user_id", hubUserID).Msg("Failed to record owned dialogue")
	}
	return sub, nil
}

// UnbindDialogue removes the binding of a hub chat or topic.
func (b *Bridge) UnbindDialogue(ctx context.Context, groupID, topicID int64) error {
	sub, err := b.Registry.Unbind(ctx, groupID, topicID)
	if err != nil {
		return err
	}
	b.forgetOwnedDialogue(ctx, sub)
	return nil
}

func (b *Bridge) forgetOwnedDialogue(ctx context.Context, sub *dialogue.SubGroup) {
	err := b.updateConnection(ctx, sub.Owner.HubUserID, func(conn *store.ConnectionDocument) {
		conn.OwnedDialogues = slices.DeleteFunc(conn.OwnedDialogues, func(id int64) bool {
			return id == sub.RemoteDialogueID
		})
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		b.Log.Warn().Err(err).Int64("hub_user_id", sub.Owner.HubUserID).Msg("Failed to update owned dialogues")
	}
}

// GroupJoined registers a hub chat the main bot was added to.
func (b *Bridge) GroupJoined(ctx context.Context, groupID, creatorID int64, adminRights bool) error {
	_, err := b.Registry.EnsureGroup(ctx, groupID, creatorID, adminRights)
	return err
}

// GroupLeft drops a hub chat the main bot was removed from, with all of its
// bindings.
func (b *Bridge) GroupLeft(ctx context.Context, groupID int64) error {
	subs, err := b.Registry.RemoveGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		b.forgetOwnedDialogue(ctx, sub)
	}
	return nil
}

// MinibotJoined adds a bot to the pool of a hub group if the process holds
// its token. Other bots are ignored.
func (b *Bridge) MinibotJoined(ctx context.Context, groupID, botID int64) error {
	if b.pool == nil || !b.pool.HasBot(botID) {
		return nil
	}
	return b.Minibots.AddMinibot(ctx, groupID, botID)
}

// MinibotLeft removes a bot from the pool of a hub group.
func (b *Bridge) MinibotLeft(ctx context.Context, groupID, botID int64) error {
	err := b.Minibots.RemoveMinibot(ctx, groupID, botID)
	if errors.Is(err, dialogue.ErrGroupNotFound) {
		return nil
	}
	return err
}

// notice posts a short bridge message into a hub chat, bypassing the queue.
func (b *Bridge) notice(ctx context.Context, chatID, topicID int64, text string) {
	_, err := b.Hub.SendMessage(ctx, hub.Message{
		ChatID:  chatID,
		TopicID: topicID,
		Text:    text,
	}, hub.Options{BypassQueue: true})
	if err != nil {
		b.Log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send notice")
	}
}
