package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages deployment event subscriptions by domain name.
// The run loop owns the clients map; all access goes through channels.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the domain it belongs to.
type message struct {
	domain  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	domain string
	client Subscriber
}

// broadcastBuffer absorbs event bursts while the run loop is busy
// writing to a slow subscriber.
const broadcastBuffer = 64

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.domain]; !ok {
				h.clients[sub.domain] = make(map[Subscriber]struct{})
			}
			h.clients[sub.domain][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.domain]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.domain)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.domain]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.domain)
				}
			}
		}
	}
}

// Register adds a client to a domain's event stream.
func (h *Hub) Register(domain string, client Subscriber) {
	h.register <- subscription{domain: domain, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(domain string, client Subscriber) {
	h.unreg <- subscription{domain: domain, client: client}
}

// Broadcast sends payload to all clients watching the domain. Events are
// advisory: when the buffer is full the event is dropped so a stalled
// subscriber can never block the caller.
func (h *Hub) Broadcast(domain string, payload []byte) {
	select {
	case h.broadcast <- message{domain: domain, payload: payload}:
	default:
	}
}
