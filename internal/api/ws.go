// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stagelight/karaqueue/internal/metrics"
)

// listenerBuffer is the snapshot backlog a connection may fall behind
// before the playlist drops it.
const listenerBuffer = 16

// Inbound command throttle per connection.
const (
	commandRate  = 10
	commandBurst = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The websocket shares the origin with the web app; cross-origin
	// browsers are let through like any other client since all privileged
	// commands are password-gated.
	CheckOrigin: func(*http.Request) bool { return true },
}

// command is the tagged union of all client frames, discriminated by cmd.
type command struct {
	Cmd      string    `json:"cmd"`
	Password string    `json:"password"`
	Song     int64     `json:"song"`
	Singer   string    `json:"singer"`
	ID       uuid.UUID `json:"id"`
	ID1      uuid.UUID `json:"id1"`
	ID2      uuid.UUID `json:"id2"`
	After    uuid.UUID `json:"after"`
	Report   string    `json:"report"`
	Name     string    `json:"name"`
	Artist   string    `json:"artist"`
	Title    string    `json:"title"`
}

// handleWS upgrades the connection and runs the per-connection command
// loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	metrics.WSConnection()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("websocket connected")
	s.wsLoop(conn, logger)
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// wsLoop consumes two sources: playlist snapshots pushed to the
// subscription sink, and frames read from the client. The subscription is
// always cancelled on exit, normal or not.
func (s *Server) wsLoop(conn *websocket.Conn, logger zerolog.Logger) {
	defer func() { _ = conn.Close() }()

	sink := make(chan []byte, listenerBuffer)
	subID, err := s.queue.Subscribe(sink)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		return
	}
	defer s.queue.Unsubscribe(subID)

	done := make(chan struct{})
	defer close(done)

	inbound := make(chan inboundFrame)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			select {
			case inbound <- inboundFrame{messageType: mt, data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(commandRate, commandBurst)
	authenticated := false

	for {
		select {
		case snapshot := <-sink:
			if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
				logger.Debug().Err(err).Msg("snapshot push failed")
				return
			}
		case frame := <-inbound:
			if frame.err != nil {
				if websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug().Err(frame.err).Msg("websocket read failed")
				}
				return
			}
			// Ping and pong frames are handled by the gorilla defaults;
			// binary frames are ignored.
			if frame.messageType != websocket.TextMessage {
				continue
			}
			if !limiter.Allow() {
				logger.Warn().Msg("command flood, dropping frame")
				continue
			}

			var cmd command
			if err := json.Unmarshal(frame.data, &cmd); err != nil {
				logger.Debug().Err(err).Msg("malformed command")
				return
			}
			if err := s.dispatch(conn, &cmd, &authenticated); err != nil {
				logger.Error().Err(err).Str("cmd", cmd.Cmd).Msg("command failed")
				return
			}
		}
	}
}

// dispatch executes one client command. Privileged commands on an
// unauthenticated connection are answered with a text frame instead of
// being executed. A returned error terminates the connection.
func (s *Server) dispatch(conn *websocket.Conn, cmd *command, authenticated *bool) error {
	switch cmd.Cmd {
	case "authenticate":
		return s.authenticate(conn, cmd.Password, authenticated)

	case "add":
		_, _, err := s.queue.Add(s.index, cmd.Song, cmd.Singer, cmd.Password)
		return err

	case "removeAsUser":
		_, err := s.queue.RemoveIfPasswordCorrect(s.index, cmd.ID, cmd.Password)
		return err

	case "suggest":
		return s.queue.Suggest(cmd.Name, cmd.Artist, cmd.Title)

	case "reportBug":
		_, err := s.queue.ReportBug(s.index, cmd.Song, cmd.Report)
		return err

	case "play", "removeAsAdmin", "swap", "moveAfter", "moveTop":
		if !*authenticated {
			return conn.WriteMessage(websocket.TextMessage, []byte("Unauthenticated"))
		}
		return s.dispatchAdmin(cmd)

	default:
		// Unknown commands are ignored so old clients survive server
		// upgrades.
		return nil
	}
}

func (s *Server) dispatchAdmin(cmd *command) error {
	var err error
	switch cmd.Cmd {
	case "play":
		_, err = s.queue.Play(s.index, cmd.ID)
	case "removeAsAdmin":
		_, err = s.queue.Remove(s.index, cmd.ID)
	case "swap":
		_, err = s.queue.Swap(s.index, cmd.ID1, cmd.ID2)
	case "moveAfter":
		_, err = s.queue.MoveAfter(s.index, cmd.ID, cmd.After)
	case "moveTop":
		_, err = s.queue.MoveTop(s.index, cmd.ID)
	}
	return err
}

// authenticate toggles the connection's admin state: an authenticated
// connection logs out, anything else compares against the configured
// password. The reply is a single binary byte, 0x01 when the connection is
// now authenticated.
func (s *Server) authenticate(conn *websocket.Conn, password string, authenticated *bool) error {
	if *authenticated {
		*authenticated = false
	} else {
		*authenticated = subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	}

	reply := []byte{0}
	if *authenticated {
		reply[0] = 1
	}
	return conn.WriteMessage(websocket.BinaryMessage, reply)
}
