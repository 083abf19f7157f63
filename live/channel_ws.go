package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	// the server pings at least this often
	ReadTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		AuthTimeout:      5 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// the first message on a connection. The server answers with an `auth` frame.
type wsAuth struct {
	Token string `json:"token"`
}

type wsAuthResult struct {
	Ok      bool   `json:"ok"`
	UserId  Id     `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

const wsAuthKind EventKind = "auth"

// Push transport over a websocket.
// Connect: dial with the bearer credential, send the auth frame and wait for the auth result.
// After that the server sends json text frames or protobuf binary frames,
// and both sides send zero length binary pings.
type WsTransport struct {
	eventsUrl string
	settings  *WsTransportSettings
}

func NewWsTransportWithDefaults(eventsUrl string) *WsTransport {
	return NewWsTransport(eventsUrl, DefaultWsTransportSettings())
}

func NewWsTransport(eventsUrl string, settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		eventsUrl: eventsUrl,
		settings:  settings,
	}
}

func (self *WsTransport) Connect(ctx context.Context, credential string) (ChannelConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	header.Add("Authorization", fmt.Sprintf("Bearer %s", credential))

	ws, r, err := dialer.DialContext(ctx, self.eventsUrl, header)
	if err != nil {
		if r != nil && r.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
		}
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := EncodeTextFrame(wsAuthKind, &wsAuth{Token: credential}, time.Time{})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("Auth response error.")
	}
	envelope := &frameEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	if envelope.Type != wsAuthKind {
		return nil, fmt.Errorf("Auth response error: unexpected %s.", envelope.Type)
	}
	authResult := &wsAuthResult{}
	if err := json.Unmarshal(envelope.Data, authResult); err != nil {
		return nil, err
	}
	if !authResult.Ok {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, authResult.Message)
	}

	success = true
	return newWsConn(ctx, ws, self.settings), nil
}

type wsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	closeOnce sync.Once
}

func newWsConn(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *wsConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &wsConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
	}
	go conn.ping()
	go func() {
		// unblock a pending read
		<-cancelCtx.Done()
		conn.closeWs()
	}()
	return conn
}

func (self *wsConn) ping() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
			// a websocket write deadline cannot be recovered
			glog.Infof("[w]ping error = %s\n", err)
			return
		}
	}
}

func (self *wsConn) Read(ctx context.Context) (*PushEvent, error) {
	stop := context.AfterFunc(ctx, self.Close)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			self.Close()
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, ErrClosed
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		var event *PushEvent
		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				glog.V(2).Infof("[w]ping<-\n")
				continue
			}
			event, err = DecodeBinaryFrame(message)
		case websocket.TextMessage:
			event, err = DecodeTextFrame(message)
		default:
			glog.V(2).Infof("[w]other=%d<-\n", messageType)
			continue
		}
		if err != nil {
			// one bad frame does not end the connection
			glog.Infof("[w]bad frame = %s\n", err)
			continue
		}
		return event, nil
	}
}

func (self *wsConn) Close() {
	self.cancel()
	self.closeWs()
}

func (self *wsConn) closeWs() {
	self.closeOnce.Do(func() {
		self.ws.Close()
	})
}
