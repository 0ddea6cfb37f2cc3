// Package interactive is a game client for the interactive 2.0 protocol.
//
// A Client owns at most one websocket session at a time. Method calls block
// until the service replies or the context ends; inbound participant and
// input events are delivered through Handlers.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"fortio.org/safecast"
	"github.com/gorilla/websocket"
)

const (
	// DefaultEndpoint is the public game client endpoint.
	DefaultEndpoint = "wss://interactive1-dal.mixer.com/gameClient"
	// ProtocolVersion is sent in the X-Protocol-Version header.
	ProtocolVersion = "2.0"

	writeTimeout = 10 * time.Second
)

// Handlers receive session events. Any field may be nil.
type Handlers struct {
	OnOpen             func()
	OnParticipantJoin  func(p Participant)
	OnParticipantLeave func(sessionID string, p Participant)
	// OnInput runs on its own goroutine so it may call back into the client.
	OnInput func(ev InputEvent)
}

// Options configures a Client.
type Options struct {
	Endpoint string
	Dialer   *websocket.Dialer
	Handlers Handlers
	Logf     func(format string, args ...any)
}

// Client talks to the interactive service on behalf of the broadcaster.
type Client struct {
	endpoint string
	dialer   *websocket.Dialer
	logf     func(format string, args ...any)

	mu           sync.Mutex
	handlers     Handlers
	conn         *websocket.Conn
	pending      map[uint32]chan packet
	lastID       uint64
	participants map[string]Participant

	writeMu sync.Mutex
}

// NewClient constructs a closed client.
func NewClient(opts Options) *Client {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "interactive: "+format+"\n", args...)
		}
	}
	return &Client{
		endpoint:     endpoint,
		dialer:       dialer,
		logf:         logf,
		handlers:     opts.Handlers,
		pending:      make(map[uint32]chan packet),
		participants: make(map[string]Participant),
	}
}

// SetHandlers replaces the event handlers.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// SetEndpoint changes the endpoint used by the next Open.
func (c *Client) SetEndpoint(endpoint string) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
}

// Open dials the service with the given credentials.
func (c *Client) Open(ctx context.Context, creds Credentials) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AuthToken)
	header.Set("X-Interactive-Version", strconv.Itoa(creds.VersionID))
	header.Set("X-Protocol-Version", ProtocolVersion)

	c.mu.Lock()
	endpoint := c.endpoint
	open := c.conn != nil
	c.mu.Unlock()
	if open {
		return ErrAlreadyOpen
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyOpen
	}
	c.conn = conn
	onOpen := c.handlers.OnOpen
	c.mu.Unlock()

	go c.readLoop(conn)
	if onOpen != nil {
		onOpen()
	}
	return nil
}

// Close ends the current session. It is a no-op when nothing is open.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// IsOpen reports whether a session is open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Participants returns the connected participants ordered by session ID.
func (c *Client) Participants() []Participant {
	c.mu.Lock()
	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetScenes returns every scene with its controls.
func (c *Client) GetScenes(ctx context.Context) ([]Scene, error) {
	var res scenesResult
	if err := c.call(ctx, "getScenes", struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Scenes, nil
}

// CreateControls creates controls in a scene and returns them as created.
func (c *Client) CreateControls(ctx context.Context, sceneID string, controls []Control) ([]Control, error) {
	var res controlsParams
	params := controlsParams{SceneID: sceneID, Controls: controls}
	if err := c.call(ctx, "createControls", params, &res); err != nil {
		return nil, err
	}
	return res.Controls, nil
}

// DeleteControls removes controls from a scene in one call.
func (c *Client) DeleteControls(ctx context.Context, sceneID string, controlIDs []string) error {
	params := deleteControlsParams{SceneID: sceneID, ControlIDs: controlIDs}
	return c.call(ctx, "deleteControls", params, nil)
}

// CaptureTransaction charges the participant for a pending transaction.
// Uncaptured transactions never deduct anything.
func (c *Client) CaptureTransaction(ctx context.Context, transactionID string) error {
	return c.call(ctx, "capture", captureParams{TransactionID: transactionID}, nil)
}

// Ready toggles whether controls are visible to participants.
func (c *Client) Ready(ctx context.Context, ready bool) error {
	return c.call(ctx, "ready", readyParams{IsReady: ready}, nil)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := c.nextIDLocked()
	ch := make(chan packet, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, packet{Type: "method", ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if reply.Error != nil {
			return &MethodError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		if result == nil || len(reply.Result) == 0 || string(reply.Result) == "null" {
			return nil
		}
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) nextIDLocked() uint32 {
	c.lastID++
	id, err := safecast.Conv[uint32](c.lastID)
	if err != nil {
		c.lastID = 1
		id = 1
	}
	return id
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, pkt packet) error {
	payload, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// resetLocked drops the connection and fails every pending call.
func (c *Client) resetLocked() {
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.participants = make(map[string]Participant)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.resetLocked()
			}
			c.mu.Unlock()
			if current {
				c.logf("connection lost: %v", err)
				conn.Close()
			}
			return
		}
		var pkt packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			c.logf("failed to parse packet: %v", err)
			continue
		}
		switch pkt.Type {
		case "reply":
			c.resolve(pkt)
		case "method":
			c.handleMethod(conn, pkt)
		}
	}
}

func (c *Client) resolve(pkt packet) {
	c.mu.Lock()
	ch, ok := c.pending[pkt.ID]
	delete(c.pending, pkt.ID)
	c.mu.Unlock()
	if ok {
		ch <- pkt
	}
}

func (c *Client) handleMethod(conn *websocket.Conn, pkt packet) {
	switch pkt.Method {
	case "hello":
		c.logf("hello from service")
	case "onParticipantJoin", "onParticipantUpdate":
		var params participantsParams
		if err := json.Unmarshal(pkt.Params, &params); err != nil {
			c.logf("bad %s params: %v", pkt.Method, err)
			break
		}
		c.mu.Lock()
		for _, p := range params.Participants {
			c.participants[p.SessionID] = p
		}
		onJoin := c.handlers.OnParticipantJoin
		c.mu.Unlock()
		if onJoin != nil && pkt.Method == "onParticipantJoin" {
			for _, p := range params.Participants {
				onJoin(p)
			}
		}
	case "onParticipantLeave":
		var params participantsParams
		if err := json.Unmarshal(pkt.Params, &params); err != nil {
			c.logf("bad %s params: %v", pkt.Method, err)
			break
		}
		c.mu.Lock()
		for _, p := range params.Participants {
			delete(c.participants, p.SessionID)
		}
		onLeave := c.handlers.OnParticipantLeave
		c.mu.Unlock()
		if onLeave != nil {
			for _, p := range params.Participants {
				onLeave(p.SessionID, p)
			}
		}
	case "giveInput":
		var ev InputEvent
		if err := json.Unmarshal(pkt.Params, &ev); err != nil {
			c.logf("bad giveInput params: %v", err)
			break
		}
		c.mu.Lock()
		p, ok := c.participants[ev.ParticipantID]
		onInput := c.handlers.OnInput
		c.mu.Unlock()
		if !ok {
			p = Participant{SessionID: ev.ParticipantID}
		}
		ev.Participant = p
		if onInput != nil {
			go onInput(ev)
		}
	}
	if !pkt.Discard {
		reply := packet{Type: "reply", ID: pkt.ID, Result: json.RawMessage("null")}
		if err := c.write(conn, reply); err != nil {
			c.logf("failed to reply to %s: %v", pkt.Method, err)
		}
	}
}
