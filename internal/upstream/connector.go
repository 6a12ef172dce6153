package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
)

// TopicUpstreamMessages carries normalized upstream messages from the
// connector read loop to the router dispatcher.
const TopicUpstreamMessages = "upstream_messages"

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// Connector owns the persistent websocket link to the AI service. It
// reconnects forever with capped backoff; connectivity loss is always
// transient from the relay's perspective and never surfaces as fatal.
type Connector struct {
	url    string
	pubSub *gochannel.GoChannel
	logger logger.ILogger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  model.LinkStatus
	connID  string
	lastErr error
}

func NewConnector(url string, pubSub *gochannel.GoChannel, log logger.ILogger) *Connector {
	return &Connector{
		url:    url,
		pubSub: pubSub,
		logger: log,
		status: model.LinkDisconnected,
	}
}

// Run dials and re-dials the upstream until the context is cancelled.
// Each successful dial starts a read loop that feeds the message topic.
func (c *Connector) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		c.setStatus(model.LinkConnecting, nil)

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setStatus(model.LinkDisconnected, err)
			c.logger.Warn("UpstreamConnector", "Dial failed, retrying", map[string]interface{}{
				"url":     c.url,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		connID := uuid.NewString()

		c.mu.Lock()
		c.conn = conn
		c.connID = connID
		c.status = model.LinkConnected
		c.lastErr = nil
		c.mu.Unlock()

		c.logger.Info("UpstreamConnector", "Connected to upstream", map[string]interface{}{
			"url":           c.url,
			"connection_id": connID,
		})

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.status = model.LinkDisconnected
		}
		c.mu.Unlock()
	}
}

// readLoop pumps wire events off the connection until it breaks. Each event
// is normalized and published; a malformed event is rejected alone and never
// tears the link down.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("UpstreamConnector", "Read failed, link lost", map[string]interface{}{
					"error": err.Error(),
				})
			}
			c.setStatus(model.LinkDisconnected, err)
			return
		}

		msg, err := Normalize(data)
		if err != nil {
			c.logger.Warn("UpstreamConnector", "Rejected upstream message", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		c.publish(msg)
	}
}

func (c *Connector) publish(msg model.UpstreamMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.pubSub.Publish(TopicUpstreamMessages, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		c.logger.Error("UpstreamConnector", "Failed to publish upstream message", map[string]interface{}{
			"kind":  string(msg.Kind),
			"error": err.Error(),
		})
	}
}

// Outbound upstream event types (relay → AI service).
const (
	UpstreamEventNewSession    = "new_session"
	UpstreamEventTextQuery     = "text_query"
	UpstreamEventTextOnlyQuery = "text_only_query"
	UpstreamEventVoiceInput    = "voice_input"
	UpstreamEventInterimSpeech = "interim_speech"
	UpstreamEventChangeVoice   = "change_voice"
	UpstreamEventGetVoices     = "get_voices"
	UpstreamEventAudioChunk    = "audio_chunk"
)

// Payload carries the optional fields of an outbound upstream event.
type Payload struct {
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Format    string `json:"format,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type outboundEvent struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload
}

// Send forwards one event upstream tagged with its correlation id. When the
// link is down it fails fast with ErrUpstreamUnavailable — no blocking, no
// indefinite queueing.
func (c *Connector) Send(corrID, kind string, payload Payload) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn("UpstreamConnector", "Send dropped, upstream not connected", map[string]interface{}{
			"kind":           kind,
			"correlation_id": corrID,
		})
		return model.ErrUpstreamUnavailable
	}

	data, err := json.Marshal(outboundEvent{
		Type:          kind,
		CorrelationID: corrID,
		Payload:       payload,
	})
	if err != nil {
		return err
	}

	// gorilla allows one concurrent writer; serialize through the mutex.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return model.ErrUpstreamUnavailable
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return model.ErrUpstreamUnavailable
	}
	return nil
}

// IsConnected reports whether the link is currently up.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == model.LinkConnected
}

// Link returns a status snapshot for /health.
func (c *Connector) Link() model.UpstreamLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	link := model.UpstreamLink{
		ConnectionID: c.connID,
		Status:       c.status,
	}
	if c.lastErr != nil {
		link.LastError = c.lastErr.Error()
	}
	return link
}

func (c *Connector) setStatus(status model.LinkStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if err != nil {
		c.lastErr = err
	}
}
