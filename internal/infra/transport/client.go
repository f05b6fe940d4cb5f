package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/harrier-ml/harrier/internal/domain"
)

// dialTimeout bounds the initial connection attempt.
const dialTimeout = 10 * time.Second

// Client is the worker side of the transport: one connection to the
// head, packets out, broadcasts in.
type Client struct {
	conn       net.Conn
	broadcasts chan *Broadcast

	mu     sync.Mutex
	closed bool
}

// Dial connects to the head and introduces this worker.
func Dial(addr string, machineID int, name string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial head %s: %w", addr, err)
	}
	raw, err := encodeEnvelope(envelope{Kind: KindHello, Hello: &Hello{MachineID: machineID, Name: name}})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: hello: %w", err)
	}

	c := &Client{
		conn:       conn,
		broadcasts: make(chan *Broadcast, broadcastBacklog),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		raw, err := readFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Printf("[transport] head connection lost: %v", err)
			}
			close(c.broadcasts)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil || env.Kind != KindBroadcast || env.Broadcast == nil {
			continue
		}
		// Drop-oldest: a worker that fell behind only wants the
		// newest model anyway.
		for {
			select {
			case c.broadcasts <- env.Broadcast:
			default:
				select {
				case <-c.broadcasts:
				default:
				}
				continue
			}
			break
		}
	}
}

// Send writes one packet to the head.
func (c *Client) Send(p *domain.Packet) error {
	raw, err := encodeEnvelope(envelope{Kind: KindPacket, Packet: p})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return writeFrame(c.conn, raw)
}

// TryRecv returns the next broadcast without blocking. ok is false
// both when nothing is queued and after the connection died; the two
// cases are not distinguished.
func (c *Client) TryRecv() (*Broadcast, bool) {
	select {
	case b, open := <-c.broadcasts:
		if !open {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// Recv blocks for the next broadcast until the connection closes.
func (c *Client) Recv() (*Broadcast, bool) {
	b, open := <-c.broadcasts
	return b, open && b != nil
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
