package services

import (
	"sync"
	"time"

	"pushwatch/internal/models"

	"github.com/go-logr/logr"
)

// feedLookback is how long after its arrival time a record may still appear
// in a listing and be delivered. It covers writes that were named before a
// later record but linked after it.
const feedLookback = 2 * time.Second

// ClientConnection represents a connected live feed subscriber
type ClientConnection struct {
	ID   string
	Send chan models.FeedMessage
}

// RecordFeed tails the storage directory and broadcasts new records to
// subscribers. It only reads the directory; ingestion never calls into it.
type RecordFeed struct {
	store    *RecordStore
	interval time.Duration
	log      logr.Logger

	clients    map[string]*ClientConnection
	register   chan *ClientConnection
	unregister chan string
	mu         sync.RWMutex

	cursor feedCursor

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewRecordFeed(store *RecordStore, interval time.Duration, log logr.Logger) *RecordFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &RecordFeed{
		store:      store,
		interval:   interval,
		log:        log.WithName("feed"),
		clients:    make(map[string]*ClientConnection),
		register:   make(chan *ClientConnection),
		unregister: make(chan string),
		cursor:     feedCursor{seen: make(map[string]struct{})},
		done:       make(chan struct{}),
	}
}

// Start marks every record already on disk as delivered and begins polling.
// Only the first call has an effect; Subscribe calls it too.
func (f *RecordFeed) Start() {
	f.startOnce.Do(func() {
		if names, err := f.store.List(); err == nil {
			f.cursor.advance(names)
		} else {
			f.log.Error(err, "initial listing failed")
		}
		go f.run()
	})
}

// Stop ends polling and closes every subscriber's channel.
func (f *RecordFeed) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

// Subscribe registers a client; its Send channel is closed when it is
// unsubscribed or the feed stops.
func (f *RecordFeed) Subscribe(id string) *ClientConnection {
	f.Start()
	client := &ClientConnection{ID: id, Send: make(chan models.FeedMessage, 64)}
	select {
	case f.register <- client:
	case <-f.done:
		close(client.Send)
	}
	return client
}

func (f *RecordFeed) Unsubscribe(id string) {
	select {
	case f.unregister <- id:
	case <-f.done:
	}
}

// Clients returns the number of connected subscribers
func (f *RecordFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *RecordFeed) run() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			f.mu.Lock()
			for id, client := range f.clients {
				delete(f.clients, id)
				close(client.Send)
			}
			f.mu.Unlock()
			return

		case client := <-f.register:
			f.mu.Lock()
			if old, exists := f.clients[client.ID]; exists {
				close(old.Send)
			}
			f.clients[client.ID] = client
			total := len(f.clients)
			f.mu.Unlock()
			f.log.Info("client connected", "client", client.ID, "total", total)

		case id := <-f.unregister:
			f.mu.Lock()
			if client, exists := f.clients[id]; exists {
				delete(f.clients, id)
				close(client.Send)
			}
			total := len(f.clients)
			f.mu.Unlock()
			f.log.Info("client disconnected", "client", id, "total", total)

		case <-ticker.C:
			f.poll()
		}
	}
}

func (f *RecordFeed) poll() {
	names, err := f.store.List()
	if err != nil {
		f.log.Error(err, "listing records failed")
		return
	}

	for _, name := range f.cursor.advance(names) {
		data, err := f.store.Read(name)
		if err != nil {
			f.log.V(1).Info("record vanished before it could be read", "record", name, "error", err.Error())
			continue
		}
		f.broadcast(models.FeedMessage{
			Type:      "record",
			ID:        trimRecordExt(name),
			Timestamp: time.Now().UTC().Format(models.TimestampLayout),
			Data:      data,
		})
	}
}

func (f *RecordFeed) broadcast(msg models.FeedMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, client := range f.clients {
		select {
		case client.Send <- msg:
		default:
			// Client's send channel is full, skip this message
			f.log.V(1).Info("dropping record for slow client", "client", client.ID, "record", msg.ID)
		}
	}
}

// feedCursor remembers which records have been delivered.
// Names before since are treated as delivered; seen holds delivered names at or after it.
type feedCursor struct {
	since string
	seen  map[string]struct{}
}

// advance takes a sorted listing and returns the names not delivered yet.
func (c *feedCursor) advance(names []string) []string {
	var fresh []string
	for _, name := range names {
		if name < c.since {
			continue
		}
		if _, ok := c.seen[name]; ok {
			continue
		}
		fresh = append(fresh, name)
		c.seen[name] = struct{}{}
	}

	if len(names) == 0 {
		return fresh
	}
	newest, ok := recordStamp(names[len(names)-1])
	if !ok {
		return fresh
	}
	if since := RecordID(newest.Add(-feedLookback)); since > c.since {
		c.since = since
	}
	for name := range c.seen {
		if name < c.since {
			delete(c.seen, name)
		}
	}
	return fresh
}

func trimRecordExt(name string) string {
	if len(name) > len(recordExt) {
		return name[:len(name)-len(recordExt)]
	}
	return name
}
