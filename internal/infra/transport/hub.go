package transport

import (
	"log"
	"net"
	"sync"

	"github.com/harrier-ml/harrier/internal/domain"
	"github.com/harrier-ml/harrier/internal/infra/metrics"
)

// packetBacklog bounds the head's inbound queue. It is generous —
// packets are small and the sync loop drains constantly — and overflow
// is counted rather than silently swallowed.
const packetBacklog = 4096

// broadcastBacklog bounds each worker's outbound queue. On overflow
// the oldest broadcast is dropped: only the newest model matters.
const broadcastBacklog = 16

// Hub is the head side of the transport: it accepts worker
// connections, funnels their packets into one queue, and fans
// broadcasts out to every live worker.
type Hub struct {
	ln      net.Listener
	packets chan *HubPacket

	mu      sync.Mutex
	conns   map[int]*hubConn
	dropped int
	closed  bool
}

// HubPacket pairs a received packet with the connection it arrived on.
type HubPacket struct {
	Packet    domain.Packet
	MachineID int
}

// Listen starts the hub on addr.
func Listen(addr string) (*Hub, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		ln:      ln,
		packets: make(chan *HubPacket, packetBacklog),
		conns:   make(map[int]*hubConn),
	}
	go h.acceptLoop()
	return h, nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string { return h.ln.Addr().String() }

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		go h.serve(conn)
	}
}

func (h *Hub) serve(conn net.Conn) {
	// The first frame must introduce the worker.
	raw, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Kind != KindHello || env.Hello == nil {
		log.Printf("[transport] dropping connection without hello from %s", conn.RemoteAddr())
		conn.Close()
		return
	}

	hc := &hubConn{
		conn:      conn,
		machineID: env.Hello.MachineID,
		out:       make(chan *Broadcast, broadcastBacklog),
	}
	h.mu.Lock()
	if old, ok := h.conns[hc.machineID]; ok {
		old.conn.Close()
	}
	h.conns[hc.machineID] = hc
	h.mu.Unlock()
	log.Printf("[transport] worker %d (%s) connected from %s", hc.machineID, env.Hello.Name, conn.RemoteAddr())

	go hc.writeLoop()
	h.readLoop(hc)
}

func (h *Hub) readLoop(hc *hubConn) {
	defer func() {
		hc.conn.Close()
		hc.outMu.Lock()
		hc.dead = true
		close(hc.out)
		hc.outMu.Unlock()
		h.mu.Lock()
		if h.conns[hc.machineID] == hc {
			delete(h.conns, hc.machineID)
		}
		h.mu.Unlock()
		log.Printf("[transport] worker %d disconnected", hc.machineID)
	}()
	for {
		raw, err := readFrame(hc.conn)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil || env.Kind != KindPacket || env.Packet == nil {
			h.countDrop()
			continue
		}
		select {
		case h.packets <- &HubPacket{Packet: *env.Packet, MachineID: hc.machineID}:
		default:
			h.countDrop()
		}
	}
}

func (h *Hub) countDrop() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
	metrics.PacketsDropped.Inc()
}

// Dropped returns how many inbound frames were discarded as
// undecodable or over backlog.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// TryRecv returns the next packet without blocking.
func (h *Hub) TryRecv() (*HubPacket, bool) {
	select {
	case p := <-h.packets:
		return p, true
	default:
		return nil, false
	}
}

// Broadcast queues the message to every connected worker. Per-worker
// queues drop the oldest entry on overflow, so a stalled worker only
// loses superseded models.
func (h *Hub) Broadcast(b *Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, hc := range h.conns {
		hc.enqueue(b)
	}
}

// Machines lists the connected machine IDs.
func (h *Hub) Machines() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Close shuts the listener and every worker connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for _, hc := range h.conns {
		conns = append(conns, hc)
	}
	h.mu.Unlock()
	h.ln.Close()
	for _, hc := range conns {
		hc.conn.Close()
	}
}

// hubConn is one worker connection with its bounded outbound queue.
type hubConn struct {
	conn      net.Conn
	machineID int

	outMu sync.Mutex
	out   chan *Broadcast
	dead  bool
}

// enqueue adds a broadcast, dropping the oldest queued one on overflow.
func (hc *hubConn) enqueue(b *Broadcast) {
	hc.outMu.Lock()
	defer hc.outMu.Unlock()
	if hc.dead {
		return
	}
	for {
		select {
		case hc.out <- b:
			return
		default:
			select {
			case <-hc.out:
			default:
			}
		}
	}
}

func (hc *hubConn) writeLoop() {
	for b := range hc.out {
		raw, err := encodeEnvelope(envelope{Kind: KindBroadcast, Broadcast: b})
		if err != nil {
			continue
		}
		if err := writeFrame(hc.conn, raw); err != nil {
			hc.outMu.Lock()
			hc.dead = true
			hc.outMu.Unlock()
			hc.conn.Close()
			// Drain so enqueue never wedges on a dead peer.
			for range hc.out {
			}
			return
		}
	}
}
