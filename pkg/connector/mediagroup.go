// Copyright 2024-2026 Aiku AI

package connector

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// albumDebouncer collects the messages of a hub media group. Telegram
// delivers every item of an album as its own update; the batch is flushed
// once no new item arrived for the debounce window, or once it is maxAge
// old, whichever comes first.
type albumDebouncer struct {
	window time.Duration
	maxAge time.Duration
	flush  func(key string, items []HubMessage)

	mu      sync.Mutex
	albums  map[string]*pendingAlbum
	stopped bool
}

type pendingAlbum struct {
	items   []HubMessage
	timer   *time.Timer
	started time.Time
}

// albumMaxAgeWindows bounds how many debounce windows one album may stay
// open while items keep arriving.
const albumMaxAgeWindows = 4

func newAlbumDebouncer(window time.Duration, flush func(key string, items []HubMessage)) *albumDebouncer {
	return &albumDebouncer{
		window: window,
		maxAge: albumMaxAgeWindows * window,
		flush:  flush,
		albums: make(map[string]*pendingAlbum),
	}
}

// Add queues an item and restarts the album's timer, without pushing the
// flush past the album's maximum age.
func (d *albumDebouncer) Add(key string, item HubMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	album, ok := d.albums[key]
	if !ok {
		album = &pendingAlbum{started: time.Now()}
		d.albums[key] = album
		album.timer = time.AfterFunc(d.window, func() {
			d.fire(key, album)
		})
	} else {
		delay := min(d.window, d.maxAge-time.Since(album.started))
		album.timer.Reset(max(delay, 0))
	}
	album.items = append(album.items, item)
}

// fire flushes album if it is still the pending batch for key. A timer
// that was reset after it already fired finds a newer batch or none.
func (d *albumDebouncer) fire(key string, album *pendingAlbum) {
	d.mu.Lock()
	if d.stopped || d.albums[key] != album {
		d.mu.Unlock()
		return
	}
	delete(d.albums, key)
	items := album.items
	d.mu.Unlock()

	slices.SortStableFunc(items, func(a, b HubMessage) int {
		return cmp.Compare(a.MessageID, b.MessageID)
	})
	d.flush(key, items)
}

// Flush sends the pending batch of key right away.
func (d *albumDebouncer) Flush(key string) {
	d.mu.Lock()
	album, ok := d.albums[key]
	if ok {
		album.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		d.fire(key, album)
	}
}

// Pending returns the number of albums waiting for their timer.
func (d *albumDebouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.albums)
}

// Stop discards every pending album.
func (d *albumDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, album := range d.albums {
		album.timer.Stop()
		delete(d.albums, key)
	}
}
