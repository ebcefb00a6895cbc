package server

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebSocketLogger tags gateway log lines with the event, user and socket.
type WebSocketLogger struct {
	logger *zap.Logger
}

func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		logger: zap.L().With(zap.String("component", "gateway")),
	}
}

func (l *WebSocketLogger) fields(event string, userID uuid.UUID, clientID string, extra []zap.Field) []zap.Field {
	fields := []zap.Field{zap.String("event", event), zap.String("client_id", clientID)}
	if userID != uuid.Nil {
		fields = append(fields, zap.String("user_id", userID.String()))
	}
	return append(fields, extra...)
}

func (l *WebSocketLogger) Info(event string, userID uuid.UUID, clientID string, fields ...zap.Field) {
	l.logger.Info("websocket_event", l.fields(event, userID, clientID, fields)...)
}

func (l *WebSocketLogger) Error(event string, userID uuid.UUID, clientID string, err error, fields ...zap.Field) {
	l.logger.Error("websocket_error", l.fields(event, userID, clientID, append(fields, zap.Error(err)))...)
}

func (l *WebSocketLogger) Warn(event string, userID uuid.UUID, clientID string, fields ...zap.Field) {
	l.logger.Warn("websocket_warning", l.fields(event, userID, clientID, fields)...)
}
