package audit

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents the type of audit event
type EventType string

const (
	EventLeaseIssued       EventType = "lease_issued"
	EventDegradedMatch     EventType = "degraded_match"
	EventPoolExhausted     EventType = "pool_exhausted"
	EventEmergencyGenerate EventType = "emergency_generate"
	EventIntervalUpdated   EventType = "interval_updated"
	EventAttempt           EventType = "attempt"
	EventChallengeDeleted  EventType = "challenge_deleted"
	EventArtifactIngested  EventType = "artifact_ingested"
)

// Event represents an audit log event
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        EventType         `json:"type"`
	ChallengeID int64             `json:"challenge_id,omitempty"`
	AccountID   int64             `json:"account_id,omitempty"`
	ArtifactID  string            `json:"artifact_id,omitempty"`
	Scheme      string            `json:"scheme,omitempty"`
	Category    string            `json:"category,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Verdict     string            `json:"verdict,omitempty"`
	Cost        int               `json:"cost,omitempty"`
	Count       int               `json:"count,omitempty"`
	Expiry      time.Time         `json:"expiry,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Config holds audit logger configuration
type Config struct {
	// Enabled enables/disables audit logging
	Enabled bool `yaml:"enabled"`

	// Level controls what events are logged
	// "minimal" - pool exhaustion, degraded matches and deletions
	// "standard" - minimal + leases, attempts and interval changes
	// "verbose" - all events including ingestion and emergency generation
	Level string `yaml:"level"`

	// Output specifies where to write logs
	// "stdout", "stderr", or a file path
	Output string `yaml:"output"`

	// Format specifies log format: "json" or "text"
	Format string `yaml:"format"`
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Level:   "standard",
		Output:  "stdout",
		Format:  "json",
	}
}

// Auditor is implemented by Logger and NopLogger
type Auditor interface {
	Log(event *Event)
	LogLeaseIssued(challengeID int64, artifactID, tier string, expiry time.Time)
	LogDegradedMatch(challengeID int64, scheme, category, tier string)
	LogPoolExhausted(challengeID int64, scheme, category string)
	LogEmergencyGenerate(challengeID int64, scheme, category string, cost int)
	LogIntervalUpdated(challengeID int64, minutes int, expiry time.Time)
	LogAttempt(challengeID, accountID int64, verdict string)
	LogChallengeDeleted(challengeID int64, released int)
	LogArtifactIngested(artifactID, scheme, category string, cost int)
}

var (
	_ Auditor = (*Logger)(nil)
	_ Auditor = (*NopLogger)(nil)
)

// Logger handles audit logging
type Logger struct {
	mu      sync.RWMutex
	config  *Config
	logger  zerolog.Logger
	output  io.Writer
	enabled bool
}

// NewLogger creates a new audit logger
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config:  cfg,
		enabled: cfg.Enabled,
	}

	if err := l.setupOutput(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Logger) setupOutput() error {
	var output io.Writer

	switch l.config.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// File output
		f, err := os.OpenFile(l.config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		output = f
	}

	l.output = output

	var w io.Writer = output
	if l.config.Format == "text" {
		w = zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: time.RFC3339}
	}

	l.logger = zerolog.New(w).With().Timestamp().Str("log", "audit").Logger()
	return nil
}

// Log logs an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	logger := l.logger
	l.mu.RUnlock()

	if !enabled {
		return
	}

	// Check if event should be logged based on level
	if !l.shouldLog(event.Type) {
		return
	}

	event.Timestamp = time.Now()

	e := logger.Info().Str("type", string(event.Type))
	if event.ChallengeID != 0 {
		e = e.Int64("challenge_id", event.ChallengeID)
	}
	if event.AccountID != 0 {
		e = e.Int64("account_id", event.AccountID)
	}
	if event.ArtifactID != "" {
		e = e.Str("artifact_id", event.ArtifactID)
	}
	if event.Scheme != "" {
		e = e.Str("scheme", event.Scheme)
	}
	if event.Category != "" {
		e = e.Str("category", event.Category)
	}
	if event.Tier != "" {
		e = e.Str("tier", event.Tier)
	}
	if event.Verdict != "" {
		e = e.Str("verdict", event.Verdict)
	}
	if event.Cost > 0 {
		e = e.Int("cost", event.Cost)
	}
	if event.Count > 0 {
		e = e.Int("count", event.Count)
	}
	if !event.Expiry.IsZero() {
		e = e.Time("expiry", event.Expiry)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	for k, v := range event.Metadata {
		e = e.Str(k, v)
	}

	e.Msg("audit")
}

func (l *Logger) shouldLog(eventType EventType) bool {
	l.mu.RLock()
	level := l.config.Level
	l.mu.RUnlock()

	switch level {
	case "minimal":
		return eventType == EventPoolExhausted ||
			eventType == EventDegradedMatch ||
			eventType == EventChallengeDeleted
	case "standard":
		return eventType != EventArtifactIngested &&
			eventType != EventEmergencyGenerate
	case "verbose":
		return true
	default:
		return true
	}
}

// LogLeaseIssued logs a new lease
func (l *Logger) LogLeaseIssued(challengeID int64, artifactID, tier string, expiry time.Time) {
	l.Log(&Event{
		Type:        EventLeaseIssued,
		ChallengeID: challengeID,
		ArtifactID:  artifactID,
		Tier:        tier,
		Expiry:      expiry,
	})
}

// LogDegradedMatch logs a selection that fell back past the cost band
func (l *Logger) LogDegradedMatch(challengeID int64, scheme, category, tier string) {
	l.Log(&Event{
		Type:        EventDegradedMatch,
		ChallengeID: challengeID,
		Scheme:      scheme,
		Category:    category,
		Tier:        tier,
	})
}

// LogPoolExhausted logs a lease request that found no artifact
func (l *Logger) LogPoolExhausted(challengeID int64, scheme, category string) {
	l.Log(&Event{
		Type:        EventPoolExhausted,
		ChallengeID: challengeID,
		Scheme:      scheme,
		Category:    category,
	})
}

// LogEmergencyGenerate logs a synchronous generation on an empty pool
func (l *Logger) LogEmergencyGenerate(challengeID int64, scheme, category string, cost int) {
	l.Log(&Event{
		Type:        EventEmergencyGenerate,
		ChallengeID: challengeID,
		Scheme:      scheme,
		Category:    category,
		Cost:        cost,
	})
}

// LogIntervalUpdated logs a rotation interval change
func (l *Logger) LogIntervalUpdated(challengeID int64, minutes int, expiry time.Time) {
	l.Log(&Event{
		Type:        EventIntervalUpdated,
		ChallengeID: challengeID,
		Expiry:      expiry,
		Metadata:    map[string]string{"interval_minutes": strconv.Itoa(minutes)},
	})
}

// LogAttempt logs a flag submission verdict
func (l *Logger) LogAttempt(challengeID, accountID int64, verdict string) {
	l.Log(&Event{
		Type:        EventAttempt,
		ChallengeID: challengeID,
		AccountID:   accountID,
		Verdict:     verdict,
	})
}

// LogChallengeDeleted logs a deletion and the number of artifacts destroyed
func (l *Logger) LogChallengeDeleted(challengeID int64, released int) {
	l.Log(&Event{
		Type:        EventChallengeDeleted,
		ChallengeID: challengeID,
		Count:       released,
	})
}

// LogArtifactIngested logs a staged artifact moved into the pool
func (l *Logger) LogArtifactIngested(artifactID, scheme, category string, cost int) {
	l.Log(&Event{
		Type:       EventArtifactIngested,
		ArtifactID: artifactID,
		Scheme:     scheme,
		Category:   category,
		Cost:       cost,
	})
}

// Enable enables audit logging
func (l *Logger) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
}

// Disable disables audit logging
func (l *Logger) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

// Close closes the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if closer, ok := l.output.(io.Closer); ok {
		if l.output != os.Stdout && l.output != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// ToJSON converts an event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NopLogger is a logger that does nothing
type NopLogger struct{}

// NewNopLogger creates a no-op logger
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Log does nothing
func (l *NopLogger) Log(_ *Event) {}

// LogLeaseIssued does nothing
func (l *NopLogger) LogLeaseIssued(_ int64, _, _ string, _ time.Time) {}

// LogDegradedMatch does nothing
func (l *NopLogger) LogDegradedMatch(_ int64, _, _, _ string) {}

// LogPoolExhausted does nothing
func (l *NopLogger) LogPoolExhausted(_ int64, _, _ string) {}

// LogEmergencyGenerate does nothing
func (l *NopLogger) LogEmergencyGenerate(_ int64, _, _ string, _ int) {}

// LogIntervalUpdated does nothing
func (l *NopLogger) LogIntervalUpdated(_ int64, _ int, _ time.Time) {}

// LogAttempt does nothing
func (l *NopLogger) LogAttempt(_, _ int64, _ string) {}

// LogChallengeDeleted does nothing
func (l *NopLogger) LogChallengeDeleted(_ int64, _ int) {}

// LogArtifactIngested does nothing
func (l *NopLogger) LogArtifactIngested(_, _, _ string, _ int) {}

// Close does nothing
func (l *NopLogger) Close() error { return nil }
