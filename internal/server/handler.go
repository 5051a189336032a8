package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/reassembly"
	"github.com/omochice/relay-chat/internal/store"
	"github.com/omochice/relay-chat/internal/transport/ws"
	"github.com/omochice/relay-chat/pkg/protocol"
)

// handleWebSocket upgrades GET /ws/{id} and serves the session until the
// peer leaves or the session is closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "id")
	user, err := store.LookupOrCreateUser(r.Context(), s.store, externalID)
	if err != nil {
		s.log.Error("user_lookup_failed", zap.String("external_id", externalID), zap.Error(err))
		http.Error(w, "failed to load user", http.StatusInternalServerError)
		return
	}

	conn, err := ws.Accept(w, r, ws.AcceptOptions{
		ReadLimit:      s.cfg.Server.ReadLimit.Int64(),
		OriginPatterns: s.cfg.Server.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	if !s.track() {
		_ = conn.Close(chat.CloseNormal, "server shutting down")
		return
	}
	defer s.conns.Done()
	s.serveConn(externalID, user, conn)
}

// serveConn runs one session: register, announce, heartbeat alongside the
// frame loop, then unregister and announce the departure.
func (s *Server) serveConn(externalID string, user protocol.User, conn chat.Conn) {
	sess := s.registry.Register(s.ctx, externalID, user, conn)
	log := s.log.With(
		zap.String("external_id", externalID),
		zap.String("display_id", sess.DisplayID()),
		zap.String("remote", conn.RemoteAddr()),
	)
	log.Info("session_connected")
	s.announce(protocol.FrameNewConnection, sess, log)

	monitor := chat.NewMonitor(sess, s.cfg.Heartbeat.Period.Duration(), s.metrics, log.Named("heartbeat"))
	hbCtx, stopHeartbeat := context.WithCancel(sess.Context())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if err := monitor.Run(hbCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Info("heartbeat_stopped", zap.Error(err))
		}
	}()

	err := s.readLoop(sess, monitor, log)

	stopHeartbeat()
	<-hbDone
	if s.registry.Unregister(sess) {
		s.announce(protocol.FrameNewDisconnection, sess, log)
	}
	_ = sess.Close(chat.CloseNormal, "")

	if err != nil && sess.Context().Err() == nil {
		log.Warn("session_read_failed", zap.Error(err))
	}
	log.Info("session_disconnected")
}

func (s *Server) announce(t protocol.FrameType, sess *chat.Session, log *zap.Logger) {
	if _, err := s.registry.BroadcastOthers(s.ctx, protocol.UserFrame(t, sess.User()), sess); err != nil {
		log.Error("presence_broadcast_failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func (s *Server) readLoop(sess *chat.Session, monitor *chat.Monitor, log *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimit.RPS), s.cfg.Server.RateLimit.Burst)
	ctx := sess.Context()
	for {
		kind, data, err := sess.Conn().Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		s.metrics.FrameReceived(kind.String())

		switch kind {
		case chat.FrameText:
			if err := s.handleText(sess, monitor, data, log); err != nil {
				return err
			}
		case chat.FrameBinary:
			s.handleBinary(sess, data, log)
		}
	}
}

// handleText dispatches one control frame. Only heartbeat mismatches end
// the session.
func (s *Server) handleText(sess *chat.Session, monitor *chat.Monitor, data []byte, log *zap.Logger) error {
	f, err := protocol.DecodeControl(data)
	if err != nil {
		s.metrics.MalformedFrame()
		log.Debug("control_frame_ignored", zap.Error(err))
		return nil
	}
	if !f.Type.ClientOriginated() {
		log.Debug("control_frame_ignored", zap.String("type", string(f.Type)))
		return nil
	}

	switch f.Type {
	case protocol.FrameMessage:
		s.handleMessage(sess, *f.Message, log)
	case protocol.FrameHeartbeat:
		if err := sess.WriteControl(sess.Context(), protocol.HeartbeatAckFrame(f.Token)); err != nil {
			log.Debug("heartbeat_ack_failed", zap.Error(err))
		}
	case protocol.FrameHeartbeatAck:
		return monitor.Ack(f.Token)
	}
	return nil
}

func (s *Server) handleMessage(sess *chat.Session, m protocol.Message, log *zap.Logger) {
	switch m.Type {
	case protocol.MessageTypeTextPlain:
	case protocol.MessageTypeLocation:
		if _, err := protocol.ParseLocation(m.Content); err != nil {
			log.Debug("message_rejected", zap.String("client_id", m.ClientID), zap.Error(err))
			return
		}
	default:
		log.Debug("message_rejected", zap.String("client_id", m.ClientID), zap.Stringer("type", m.Type))
		return
	}
	if m.ClientID == "" {
		log.Debug("message_rejected", zap.String("reason", "empty client id"))
		return
	}

	s.publish(store.NewMessage{
		ClientID:        m.ClientID,
		Content:         m.Content,
		Timestamp:       s.now().Unix(),
		Type:            m.Type,
		AuthorDisplayID: sess.DisplayID(),
	}, log)
}

// handleBinary feeds one binary frame to the engine and builds the transfer
// when a tail arrives.
func (s *Server) handleBinary(sess *chat.Session, data []byte, log *zap.Logger) {
	frame, err := protocol.ParseBinaryFrame(data)
	if err != nil {
		s.metrics.MalformedFrame()
		log.Debug("binary_frame_dropped", zap.Int("size", len(data)), zap.Error(err))
		return
	}
	clientID := frame.FrameClientID()
	if err := s.engine.Append(frame); err != nil {
		log.Warn("binary_frame_rejected", zap.String("client_id", clientID), zap.Error(err))
		if errors.Is(err, reassembly.ErrTransferTooLarge) {
			s.engine.Discard(clientID)
		}
		s.metrics.SetPendingTransfers(s.engine.Len())
		return
	}
	s.metrics.SetPendingTransfers(s.engine.Len())

	if _, ok := frame.(*protocol.TailFrame); ok {
		s.completeTransfer(sess, clientID, log)
	}
}

func (s *Server) completeTransfer(sess *chat.Session, clientID string, log *zap.Logger) {
	log = log.With(zap.String("client_id", clientID))
	msg, err := s.engine.Build(clientID)

	var missingHeader *reassembly.MissingHeaderError
	var missingRange *reassembly.MissingRangeError
	switch {
	case errors.As(err, &missingHeader):
		log.Debug("transfer_missing_header")
		if err := sess.WriteControl(sess.Context(), protocol.HeadMissingFrame(clientID)); err != nil {
			log.Debug("head_missing_send_failed", zap.Error(err))
		}
		return
	case errors.As(err, &missingRange):
		log.Debug("transfer_missing_range", zap.Int64("from", missingRange.From), zap.Int64("length", missingRange.Length))
		f := protocol.RangeMissingFrame(protocol.RangeMissing{
			ClientID: clientID,
			From:     missingRange.From,
			Length:   missingRange.Length,
		})
		if err := sess.WriteControl(sess.Context(), f); err != nil {
			log.Debug("range_missing_send_failed", zap.Error(err))
		}
		return
	case err != nil:
		log.Error("transfer_build_failed", zap.Error(err))
		return
	}
	s.metrics.SetPendingTransfers(s.engine.Len())

	ctx, span := s.tracer.Start(s.ctx, "relay.blob.save", trace.WithAttributes(
		attribute.String("relay.client_id", clientID),
		attribute.Int64("relay.bytes", msg.Length),
	))
	hash, err := s.blobs.Save(ctx, msg.Reader())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob save failed")
		span.End()
		log.Error("blob_save_failed", zap.Error(err))
		return
	}
	span.End()

	content, err := msg.Content(hash)
	if err != nil {
		log.Error("transfer_content_failed", zap.Error(err))
		return
	}
	s.publish(store.NewMessage{
		ClientID:        clientID,
		Content:         content,
		Timestamp:       s.now().Unix(),
		Type:            msg.Type,
		AuthorDisplayID: sess.DisplayID(),
	}, log)
}

// publish persists nm and broadcasts the stored message to every session.
// A reused client id is a no-op.
func (s *Server) publish(nm store.NewMessage, log *zap.Logger) {
	ctx, span := s.tracer.Start(s.ctx, "relay.publish", trace.WithAttributes(
		attribute.String("relay.client_id", nm.ClientID),
		attribute.String("relay.type", nm.Type.String()),
	))
	defer span.End()

	msg, err := s.store.InsertMessage(ctx, nm)
	if errors.Is(err, store.ErrDuplicateClientID) {
		log.Info("duplicate_client_id", zap.String("client_id", nm.ClientID))
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		log.Error("message_insert_failed", zap.String("client_id", nm.ClientID), zap.Error(err))
		return
	}
	s.metrics.MessagePersisted(nm.Type.String())

	n, err := s.registry.BroadcastAll(ctx, protocol.MessageFrame(msg))
	if err != nil {
		span.RecordError(err)
		log.Error("message_broadcast_failed", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("relay.recipients", n))
	log.Debug("message_published", zap.Int64("id", msg.ID), zap.String("client_id", msg.ClientID), zap.Int("recipients", n))
}
