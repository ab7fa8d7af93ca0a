package observability

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging. Core components receive a
// *Logger at construction; the core never writes to a process-global sink.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NopLogger returns a logger that discards everything. Used in tests.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID uuid.UUID) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID.String()).Logger(),
	}
}

// WithLink adds link_id context to logger.
func (l *Logger) WithLink(linkID uuid.UUID) *Logger {
	return &Logger{
		logger: l.logger.With().Str("link_id", linkID.String()).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error with a message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// DecodeDropped logs a datagram discarded for failing to decode. Decode
// failures are never fatal; discard and log is the whole recovery path.
func (l *Logger) DecodeDropped(linkID uuid.UUID, size int, err error) {
	l.logger.Warn().
		Str("link_id", linkID.String()).
		Int("datagram_bytes", size).
		Err(err).
		Msg("datagram dropped: decode failed")
}

// LinkStateChanged logs a link state machine transition.
func (l *Logger) LinkStateChanged(linkID uuid.UUID, from, to string, score float64) {
	l.logger.Info().
		Str("link_id", linkID.String()).
		Str("from", from).
		Str("to", to).
		Float64("health_score", score).
		Msg("link state changed")
}

// RetransmitScheduled logs a retransmission decision.
func (l *Logger) RetransmitScheduled(seq uint64, attempt int, linkID uuid.UUID) {
	l.logger.Debug().
		Uint64("seq", seq).
		Int("attempt", attempt).
		Str("link_id", linkID.String()).
		Msg("retransmit scheduled")
}

// PacketAbandoned logs a packet given up on after exhausting retransmits.
func (l *Logger) PacketAbandoned(seq uint64, attempts int) {
	l.logger.Warn().
		Uint64("seq", seq).
		Int("attempts", attempts).
		Msg("packet abandoned after max retransmits")
}

// FecRecovered logs packets reconstructed from parity.
func (l *Logger) FecRecovered(groupID uint32, recovered int) {
	l.logger.Info().
		Uint32("group_id", groupID).
		Int("recovered", recovered).
		Msg("fec recovery reconstructed missing packets")
}

// SequenceLost logs a sequence number declared permanently lost.
func (l *Logger) SequenceLost(seq uint64) {
	l.logger.Warn().
		Uint64("seq", seq).
		Msg("sequence declared lost; surfacing loss marker")
}

// BandSwitchRecommended logs a band-lock recommendation.
func (l *Logger) BandSwitchRecommended(linkID uuid.UUID, band uint8, score float64) {
	l.logger.Info().
		Str("link_id", linkID.String()).
		Uint8("current_band", band).
		Float64("health_score", score).
		Msg("band switch recommended")
}

// SessionEnded logs session teardown.
func (l *Logger) SessionEnded(sessionID uuid.UUID, reason string) {
	l.logger.Info().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Msg("session ended")
}
