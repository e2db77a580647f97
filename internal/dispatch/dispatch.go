// Package dispatch feeds entry-created events from NATS into the plugin
// manager.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/internal/config"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Dispatcher runs one entry through the plugin handling its type.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry protocol.Entry) (string, error)
}

// Outcome is sent back to requesters that set a reply subject.
type Outcome struct {
	EntryID string `json:"entry_id"`
	Plugin  string `json:"plugin,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Connect dials the NATS server at url with reconnect logging.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("hub-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// Consumer subscribes to entry events as a member of a queue group.
type Consumer struct {
	conn       *nats.Conn
	cfg        config.NATSConfig
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewConsumer creates a consumer on conn.
func NewConsumer(conn *nats.Conn, cfg config.NATSConfig, dispatcher Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		conn:       conn,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "dispatch")),
	}
}

// Run consumes events until ctx is done, then drains the subscription and
// waits for in-flight entries.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanQueueSubscribe(c.cfg.Subject, c.cfg.Queue, msgs)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.cfg.Subject, err)
	}

	c.logger.Info("Consuming entry events",
		zap.String("subject", c.cfg.Subject),
		zap.String("queue", c.cfg.Queue),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
			return nil
		case msg := <-msgs:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handle(ctx, msg)
			}()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	out := c.process(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("Failed to encode outcome", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("Failed to reply", zap.String("entry_id", out.EntryID), zap.Error(err))
	}
}

// process decodes one event and dispatches it.
func (c *Consumer) process(ctx context.Context, data []byte) Outcome {
	entry, err := DecodeEntry(data)
	if err != nil {
		c.logger.Warn("Dropping malformed entry event", zap.Error(err))
		return Outcome{Kind: protocol.KindDecode.String(), Error: err.Error()}
	}

	name, err := c.dispatcher.Dispatch(ctx, entry)
	out := Outcome{EntryID: entry.ID, Plugin: name}
	if err != nil {
		out.Error = err.Error()
		var pe *protocol.Error
		if errors.As(err, &pe) {
			out.Kind = pe.Kind.String()
		}
		c.logger.Warn("Entry event failed",
			zap.String("entry_id", entry.ID),
			zap.String("plugin", name),
			zap.Error(err),
		)
	}
	return out
}

// DecodeEntry parses a JSON entry event. An event needs an id, a known type
// and either a url or inline content.
func DecodeEntry(data []byte) (protocol.Entry, error) {
	var e protocol.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return protocol.Entry{}, fmt.Errorf("decoding entry event: %w", err)
	}
	if strings.TrimSpace(e.ID) == "" {
		return protocol.Entry{}, errors.New("entry event has no id")
	}
	if e.Type == protocol.TypeUnknown {
		return protocol.Entry{}, fmt.Errorf("entry %s has no type", e.ID)
	}
	if e.URL == "" && e.Content == nil {
		return protocol.Entry{}, fmt.Errorf("entry %s has neither url nor content", e.ID)
	}
	return e, nil
}
