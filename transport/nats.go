// Package transport provides the NATS-backed collaborators of the
// connection core: the connectivity and secure-session signals, and the
// remote authority client.
package transport

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds NATS connection settings.
type Config struct {
	URL             string `yaml:"url" env:"NATS_URL"`
	CredentialsFile string `yaml:"credentials_file" env:"NATS_CREDS_FILE"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms" env:"NATS_RECONNECT_WAIT_MS"`
	MaxReconnects   int    `yaml:"max_reconnects" env:"NATS_MAX_RECONNECTS"`
}

// Client wraps a NATS connection and derives the boolean signals the
// connection core consumes: online (transport connected) and secure session
// established (vault session opened over the authenticated connection).
//
// Reconnect events are exposed on a channel so the agent can trigger a
// queue drain whenever connectivity returns.
type Client struct {
	conn       *nats.Conn
	ownerSpace string

	online  atomic.Bool
	session atomic.Bool

	reconnects chan struct{}
}

// Connect establishes the NATS connection for the given owner space.
func Connect(cfg Config, ownerSpace string) (*Client, error) {
	c := &Client{
		ownerSpace: ownerSpace,
		reconnects: make(chan struct{}, 1),
	}

	opts := []nats.Option{
		nats.Name("vettid-app-agent"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.online.Store(false)
			c.session.Store(false)
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.online.Store(true)
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			select {
			case c.reconnects <- struct{}{}:
			default:
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.online.Store(false)
			c.session.Store(false)
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	c.conn = conn
	c.online.Store(true)
	return c, nil
}

// Online reports whether the transport is connected.
func (c *Client) Online() bool {
	return c.online.Load() && c.conn.IsConnected()
}

// SessionEstablished reports whether a secure vault session is open.
func (c *Client) SessionEstablished() bool {
	return c.session.Load()
}

// Reconnected returns the channel signalled after each reconnect.
func (c *Client) Reconnected() <-chan struct{} {
	return c.reconnects
}

// EstablishSession opens a secure session with this user's vault. The vault
// answers on the owner's session subject once the app is authenticated.
func (c *Client) EstablishSession(ctx context.Context) error {
	subject := fmt.Sprintf("OwnerSpace.%s.forVault.session.open", c.ownerSpace)
	msg, err := c.conn.RequestWithContext(ctx, subject, nil)
	if err != nil {
		c.session.Store(false)
		return fmt.Errorf("session open failed: %w", err)
	}

	ok, errText := parseAck(msg.Data)
	if !ok {
		c.session.Store(false)
		return fmt.Errorf("session rejected: %s", errText)
	}

	c.session.Store(true)
	log.Info().Msg("Secure session established")
	return nil
}

// SubscribeRequests serves request/reply traffic on a subject pattern. The
// handler's return value is sent as the reply when one is expected.
func (c *Client) SubscribeRequests(subject string, handler func(subject string, data []byte) []byte) error {
	_, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp := handler(msg.Subject, msg.Data)
		if msg.Reply != "" {
			if err := msg.Respond(resp); err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send reply")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Msg("Subscribed to NATS")
	return nil
}

// Request performs one bounded request round trip.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	c.session.Store(false)
	c.online.Store(false)
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
