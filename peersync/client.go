package peersync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kjk/datastore/log"
)

const defaultReconnectDelay = 2 * time.Second

type ClientConfig struct {
	// URL of hub's sync endpoint e.g. ws://localhost:8700/sync
	URL string
	// OnPacket is called for every packet received, in order
	OnPacket func(p *Packet)
	// OnConnected is called after each successful (re)connection
	OnConnected func()
	// ReconnectDelay is how long to wait before reconnecting. Default is 2s
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Client receives packets from a Hub. The hub sends content of all
// stores on connect so nothing is lost across re-connects
type Client struct {
	config    ClientConfig
	connected atomic.Bool
	nPackets  atomic.Int64
}

func NewClient(config *ClientConfig) *Client {
	c := &Client{
		config: *config,
	}
	if c.config.ReconnectDelay <= 0 {
		c.config.ReconnectDelay = defaultReconnectDelay
	}
	if c.config.Dialer == nil {
		c.config.Dialer = websocket.DefaultDialer
	}
	return c
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PacketsReceived returns number of valid packets received
func (c *Client) PacketsReceived() int64 {
	return c.nPackets.Load()
}

// Run connects to the hub and reads packets, re-connecting on errors,
// until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Logf("peersync: connection to %s failed: %v, reconnecting in %s\n", c.config.URL, err, c.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	if c.config.URL == "" {
		return errors.New("no URL")
	}
	conn, _, err := c.config.Dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return err
	}
	c.connected.Store(true)
	defer c.connected.Store(false)

	// ReadMessage doesn't take a context so closing the connection
	// is how we unblock it
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	log.Logf("peersync: connected to %s\n", c.config.URL)
	if c.config.OnConnected != nil {
		c.config.OnConnected()
	}
	for {
		_, d, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := DecodePacket(d)
		if err != nil {
			log.Errorf("peersync: ignoring packet from %s: %s\n", c.config.URL, err)
			continue
		}
		c.nPackets.Add(1)
		log.Verbosef("peersync: got packet for '%s', %d documents\n", p.Directory, len(p.Data))
		if c.config.OnPacket != nil {
			c.config.OnPacket(p)
		}
	}
}
