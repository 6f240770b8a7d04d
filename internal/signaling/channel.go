// Package signaling drives the relay's voice control channel: handshake,
// heartbeats, speaker routing events and external-address discovery. The
// media socket opened during discovery is handed to the caller once the
// session is established.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relay-voice-lab/internal/logging"
)

// State is the channel's position in the handshake state machine.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAwaitingReady
	StateDiscoveringAddress
	StateSelectingProtocol
	StateSessionEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateDiscoveringAddress:
		return "discovering_address"
	case StateSelectingProtocol:
		return "selecting_protocol"
	case StateSessionEstablished:
		return "session_established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Credentials identify this client to the relay.
type Credentials struct {
	Endpoint  string
	ServerID  string
	UserID    string
	SessionID string
	Token     string
}

// Events are callbacks invoked from the channel's read loop. Handlers must
// not block; heavy work belongs on the caller's side.
type Events struct {
	// Speaking reports an SSRC -> speaker binding announced by the relay.
	Speaking func(speaker string, ssrc uint32)
	// ClientDisconnect reports a speaker leaving the session.
	ClientDisconnect func(speaker string)
	// Closed reports an unexpected control-channel closure. Not invoked
	// on deliberate Disconnect.
	Closed func(err error)
}

// Config wires a Channel.
type Config struct {
	Credentials      Credentials
	Events           Events
	DiscoveryTimeout time.Duration
	DiscoveryRetries int
	Dialer           *websocket.Dialer // nil means websocket.DefaultDialer
}

// Session holds everything the media transport needs once the handshake
// completes. Ownership of Conn passes to the caller.
type Session struct {
	SSRC           uint32
	SecretKey      []byte
	EncryptionMode string
	Conn           net.PacketConn
	RelayAddr      net.Addr
	ExternalIP     string
	ExternalPort   int
}

// Snapshot is a point-in-time view of the channel for stats reporting.
type Snapshot struct {
	State        string
	Endpoint     string
	SSRC         uint32
	HasSecretKey bool
}

// Channel is the control connection to the voice relay.
type Channel struct {
	cfg Config

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	ssrc          uint32
	hasSecret     bool
	heartbeatStop chan struct{}
	closed        bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a disconnected channel.
func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{cfg: cfg, state: StateDisconnected}
}

// endpointURL normalizes the relay endpoint into a dialable URL. A bare
// host gets the secure scheme and protocol version; explicit schemes are
// kept so tests can point at plain ws servers.
func endpointURL(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, ":80")
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "wss://" + endpoint + "/?v=4"
}

// Connect runs the full handshake and returns the established session.
// Credential rejection or a dropped connection yields a SignalingError;
// exhausted address discovery yields a DiscoveryError. On any failure the
// channel ends up Closed.
func (c *Channel) Connect(ctx context.Context) (*Session, error) {
	c.setState(StateHandshaking)

	ws, _, err := c.cfg.Dialer.DialContext(ctx, endpointURL(c.cfg.Credentials.Endpoint), nil)
	if err != nil {
		c.setState(StateClosed)
		return nil, &SignalingError{Op: "connect", Err: err}
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	identify := identifyData{
		ServerID:  c.cfg.Credentials.ServerID,
		UserID:    c.cfg.Credentials.UserID,
		SessionID: c.cfg.Credentials.SessionID,
		Token:     c.cfg.Credentials.Token,
	}
	if err := c.send(opIdentify, identify); err != nil {
		c.teardown(nil)
		return nil, &SignalingError{Op: "identify", Err: err}
	}
	logging.Debugw("sent identify", "endpoint", c.cfg.Credentials.Endpoint)

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}

	var (
		udp       *net.UDPConn
		relayAddr net.Addr
		extIP     string
		extPort   int
	)
	for {
		env, err := c.readEnvelope()
		if err != nil {
			c.teardown(udp)
			return nil, &SignalingError{Op: "handshake", Err: err}
		}

		switch env.Op {
		case opHello:
			var d helloData
			if err := json.Unmarshal(env.D, &d); err != nil {
				c.teardown(udp)
				return nil, &SignalingError{Op: "hello", Err: err}
			}
			interval := time.Duration(d.HeartbeatInterval * float64(time.Millisecond))
			c.startHeartbeat(interval)
			c.setState(StateAwaitingReady)
			logging.Debugw("hello received", "heartbeat_interval", interval)

		case opReady:
			var d readyData
			if err := json.Unmarshal(env.D, &d); err != nil {
				c.teardown(udp)
				return nil, &SignalingError{Op: "ready", Err: err}
			}
			c.mu.Lock()
			c.ssrc = d.SSRC
			c.mu.Unlock()
			c.setState(StateDiscoveringAddress)
			logging.Infow("voice ready", "relay_ip", d.IP, "relay_port", d.Port, "ssrc", d.SSRC)

			relayAddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(d.IP, strconv.Itoa(d.Port)))
			if err != nil {
				c.teardown(nil)
				return nil, &SignalingError{Op: "resolve relay address", Err: err}
			}
			udp, err = net.ListenUDP("udp", nil)
			if err != nil {
				c.teardown(nil)
				return nil, &SignalingError{Op: "open media socket", Err: err}
			}
			extIP, extPort, err = discoverExternalAddress(udp, relayAddr, d.SSRC, c.cfg.DiscoveryTimeout, c.cfg.DiscoveryRetries)
			if err != nil {
				c.teardown(udp)
				return nil, err
			}
			logging.Infow("address discovery complete", "external_ip", extIP, "external_port", extPort)

			c.setState(StateSelectingProtocol)
			sel := selectProtocolData{
				Protocol: "udp",
				Data: selectProtocolInfo{
					Address: extIP,
					Port:    extPort,
					Mode:    EncryptionMode,
				},
			}
			if err := c.send(opSelectProtocol, sel); err != nil {
				c.teardown(udp)
				return nil, &SignalingError{Op: "select protocol", Err: err}
			}

		case opSessionDescription:
			var d sessionDescriptionData
			if err := json.Unmarshal(env.D, &d); err != nil {
				c.teardown(udp)
				return nil, &SignalingError{Op: "session description", Err: err}
			}
			if d.Mode != EncryptionMode {
				c.teardown(udp)
				return nil, &SignalingError{Op: "session description", Err: fmt.Errorf("unsupported encryption mode %q", d.Mode)}
			}
			key := make([]byte, len(d.SecretKey))
			for i, b := range d.SecretKey {
				key[i] = byte(b)
			}
			c.mu.Lock()
			c.hasSecret = true
			c.mu.Unlock()
			c.setState(StateSessionEstablished)
			logging.Infow("voice session established", "ssrc", c.SSRC())

			ws.SetReadDeadline(time.Time{})
			c.wg.Add(1)
			go c.readLoop()

			return &Session{
				SSRC:           c.SSRC(),
				SecretKey:      key,
				EncryptionMode: d.Mode,
				Conn:           udp,
				RelayAddr:      relayAddr,
				ExternalIP:     extIP,
				ExternalPort:   extPort,
			}, nil

		default:
			c.dispatch(env)
		}
	}
}

// readEnvelope reads one text frame and decodes the outer envelope.
func (c *Channel) readEnvelope() (envelope, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	var env envelope
	_, data, err := ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("malformed signaling frame: %w", err)
	}
	return env, nil
}

// readLoop dispatches post-handshake events until the connection closes.
func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		env, err := c.readEnvelope()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closed
			c.mu.Unlock()
			if deliberate {
				return
			}
			c.setState(StateClosed)
			logging.Warnw("control channel closed unexpectedly", "error", err)
			if c.cfg.Events.Closed != nil {
				// Run outside the loop goroutine so the handler may call
				// Disconnect without deadlocking on wg.Wait.
				go c.cfg.Events.Closed(err)
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch handles event opcodes shared by the handshake and the read loop.
func (c *Channel) dispatch(env envelope) {
	switch env.Op {
	case opSpeaking:
		var d speakingData
		if err := json.Unmarshal(env.D, &d); err != nil {
			logging.Warnw("malformed speaking event", "error", err)
			return
		}
		if d.UserID == "" || d.SSRC == 0 {
			return
		}
		logging.Debugw("speaking event", "speaker", d.UserID, "ssrc", d.SSRC, "speaking", d.Speaking)
		if c.cfg.Events.Speaking != nil {
			c.cfg.Events.Speaking(d.UserID, d.SSRC)
		}
	case opClientDisconnect:
		var d clientDisconnectData
		if err := json.Unmarshal(env.D, &d); err != nil {
			logging.Warnw("malformed client disconnect event", "error", err)
			return
		}
		logging.Debugw("client disconnect", "speaker", d.UserID)
		if c.cfg.Events.ClientDisconnect != nil {
			c.cfg.Events.ClientDisconnect(d.UserID)
		}
	case opHeartbeatAck:
		logging.Debugw("heartbeat ack")
	case opResumed:
		logging.Debugw("session resumed")
	default:
		logging.Debugw("unhandled signaling opcode", "op", env.Op)
	}
}

// startHeartbeat launches the periodic heartbeat with a unix-millisecond
// nonce. Only the first hello starts it.
func (c *Channel) startHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.heartbeatStop != nil || c.closed {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.send(opHeartbeat, time.Now().UnixMilli()); err != nil {
					logging.Warnw("heartbeat send failed", "error", err)
					return
				}
				logging.Debugw("heartbeat sent")
			}
		}
	}()
}

// send marshals and writes one signaling message. gorilla permits one
// concurrent writer, hence the write lock.
func (c *Channel) send(op int, d any) error {
	data, err := marshalEnvelope(op, d)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("control channel not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

// SendSpeaking announces our own speaking state with the session SSRC.
func (c *Channel) SendSpeaking(speaking bool) error {
	if c.State() != StateSessionEstablished {
		return fmt.Errorf("cannot send speaking in state %s", c.State())
	}
	d := speakingData{SSRC: c.SSRC()}
	if speaking {
		d.Speaking = 1
	}
	return c.send(opSpeaking, d)
}

// Disconnect closes the control channel and stops the heartbeat. Safe to
// call more than once; only the first call does work. The media socket is
// not closed here since its ownership moved to the transport.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	ws := c.ws
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	c.wg.Wait()
	logging.Infow("control channel disconnected")
}

// teardown aborts a failed handshake: closes sockets and marks the channel
// Closed without emitting the Closed event.
func (c *Channel) teardown(udp *net.UDPConn) {
	if udp != nil {
		udp.Close()
	}
	c.Disconnect()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
}

// State reports the current handshake state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SSRC reports the source id assigned by the relay, zero before ready.
func (c *Channel) SSRC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc
}

// Stats returns a snapshot for aggregate session reporting.
func (c *Channel) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state.String(),
		Endpoint:     c.cfg.Credentials.Endpoint,
		SSRC:         c.ssrc,
		HasSecretKey: c.hasSecret,
	}
}
