package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/protocol"
	"github.com/antoniostano/voxline/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	framerCapacity = 2 * time.Second
)

// handleSessionWS attaches the audio stream for an existing session. The
// read loop reslices client chunks into fixed frames and feeds the turn
// loop; a single writer goroutine owns the socket's write side.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sup.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("session_id", sessionID))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sampleRate := s.cfg.SampleRateWeb
	if sess.Kind == session.ParticipantSIP {
		sampleRate = s.cfg.SampleRatePhone
	}
	framer := audio.NewFramer(sampleRate, s.cfg.FrameDuration, framerCapacity)

	frames := make(chan audio.Frame, 256)
	outbound := make(chan any, 256)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.sup.Run(ctx, sessionID, frames, outbound); err != nil {
			log.Warn("turn loop stopped", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(protocol.MessageTypeOf(msg))).Inc()
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	endRequested := false
readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendOrDrop(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientAudioChunk)).Inc()
			pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
			if err != nil {
				s.sendOrDrop(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_audio_encoding",
					Source:    "gateway",
					Detail:    "pcm16_base64 is not valid base64",
				})
				continue
			}
			framer.Write(pcm)
			for {
				frame, ok := framer.Next()
				if !ok {
					break
				}
				select {
				case frames <- frame:
				default:
					// The turn loop is behind; shed this frame rather than
					// stall the socket.
					s.metrics.WSMessages.WithLabelValues("inbound_dropped", string(protocol.TypeClientAudioChunk)).Inc()
				}
			}
			_ = s.sup.Touch(sessionID)

		case protocol.ClientControl:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientControl)).Inc()
			switch msg.Action {
			case protocol.ActionInterrupt:
				_ = s.sup.Interrupt(sessionID)
			case protocol.ActionCommit:
				_ = s.sup.Commit(sessionID)
			case protocol.ActionStop:
				endRequested = true
				break readLoop
			}
		}

		select {
		case <-ctx.Done():
			break readLoop
		default:
		}
	}

	cancel()
	<-runDone
	<-writerDone
	if endRequested {
		if _, err := s.sup.EndSession(sessionID); err != nil {
			log.Warn("end after stop failed", zap.Error(err))
		}
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Info("websocket closed", zap.Bool("end_requested", endRequested))
}

func (s *Server) sendOrDrop(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.metrics.WSMessages.WithLabelValues("outbound_dropped", string(protocol.MessageTypeOf(msg))).Inc()
	}
}
