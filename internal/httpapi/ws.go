package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/protocol"
	"github.com/talevoice/talevoice/internal/turn"
)

// handleTurnWS streams turn progress over one websocket connection. The
// client sends complete utterances; the server answers with transcript,
// reply deltas, synthesized audio and a turn_end marker. One turn runs at a
// time per connection; cancel_turn aborts the in-flight one.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := sessionIDFrom(r.Context())
	userID := userIDFrom(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(msg any) {
		// Blocks when the queue is full: the write deadline tears down a
		// stalled connection, which cancels ctx and unblocks every sender.
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	var turnMu sync.Mutex
	var cancelTurn context.CancelFunc
	var turnDone chan struct{}

	abortTurn := func() {
		turnMu.Lock()
		if cancelTurn != nil {
			cancelTurn()
		}
		done := turnDone
		turnMu.Unlock()
		if done != nil {
			<-done
		}
	}
	defer abortTurn()

	conn.SetReadLimit(maxUtteranceBytes * 2)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Phase:     "gateway",
				Code:      "invalid_client_message",
				Message:   err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ControlCancelTurn:
				abortTurn()
			case protocol.ControlEndSession:
				_, _ = s.sessions.End(sessionID)
				return
			}
		case protocol.ClientUtterance:
			audio, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
			if err != nil {
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Phase:     "gateway",
					Code:      "invalid_audio_encoding",
					Message:   "audio_base64 is not valid base64",
				})
				continue
			}

			// One turn at a time; a fresh utterance replaces the running one.
			abortTurn()

			turnCtx, turnCancel := context.WithCancel(ctx)
			done := make(chan struct{})
			turnMu.Lock()
			cancelTurn = turnCancel
			turnDone = done
			turnMu.Unlock()

			// turnCancel stays alive after the turn finishes: playback can
			// outlive Run, and cancelling here would stop it mid-clip. The
			// next abortTurn (or connection teardown) fires it.
			go func(msg protocol.ClientUtterance, audio []byte) {
				defer close(done)
				s.runTurnWS(turnCtx, sessionID, userID, msg, audio, send)
			}(msg, audio)
		}
	}
}

func (s *Server) runTurnWS(ctx context.Context, sessionID, userID string, msg protocol.ClientUtterance, audio []byte, send func(any)) {
	var turnID string
	res, err := s.runner.Run(ctx, turn.Request{
		SessionID: sessionID,
		UserID:    userID,
		PersonaID: msg.PersonaID,
		BookID:    msg.BookID,
		VoiceID:   msg.VoiceID,
		Audio:     audio,
		Filename:  msg.Filename,
	}, turn.Callbacks{
		OnStart: func(id string) {
			turnID = id
			send(protocol.TurnStarted{
				Type:      protocol.TypeTurnStarted,
				SessionID: sessionID,
				TurnID:    id,
			})
		},
		OnTranscript: func(text string) {
			send(protocol.Transcript{
				Type:      protocol.TypeTranscript,
				SessionID: sessionID,
				TurnID:    turnID,
				Text:      text,
			})
		},
		OnChunk: func(delta string) {
			send(protocol.ReplyDelta{
				Type:      protocol.TypeReplyDelta,
				SessionID: sessionID,
				TurnID:    turnID,
				TextDelta: delta,
			})
		},
		OnReplyComplete: func(text string) {
			send(protocol.ReplyComplete{
				Type:      protocol.TypeReplyComplete,
				SessionID: sessionID,
				TurnID:    turnID,
				Text:      text,
			})
		},
		OnAudioReady: func(id string, audio []byte) {
			format, _ := audioFormat(audio)
			send(protocol.AudioReady{
				Type:        protocol.TypeAudioReady,
				SessionID:   sessionID,
				TurnID:      id,
				Format:      format,
				AudioBase64: base64.StdEncoding.EncodeToString(audio),
			})
		},
		OnPlaybackComplete: func(id string) {
			send(protocol.PlaybackEvent{
				Type:      protocol.TypePlaybackEvent,
				SessionID: sessionID,
				TurnID:    id,
				State:     "finished",
			})
		},
		OnError: func(phase turn.Phase, message string, err error) {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				TurnID:    turnID,
				Phase:     string(phase),
				Code:      string(fault.KindOf(err)),
				Message:   message,
				Retryable: fault.KindOf(err) == fault.KindNetwork || fault.KindOf(err) == fault.KindAPI,
			})
		},
	})
	turnID = res.TurnID

	if u := turnUsageFrom(ctx); u != nil {
		_, audioMS := audioFormat(res.Audio)
		u.add(approxTokens(res.Transcript), approxTokens(res.Reply), audioMS)
	}

	reason := "completed"
	switch {
	case res.Cancelled:
		reason = "cancelled"
	case err != nil:
		reason = "failed"
	}
	send(protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: sessionID,
		TurnID:    res.TurnID,
		Reason:    reason,
	})
}
