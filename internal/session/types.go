package session

import (
	"sync"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Entry is one transcript segment, stored in order of receipt.
type Entry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is an immutable copy of a session, handed to the notifier and the HTTP API.
type Record struct {
	CallID     string         `json:"callId"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	Transcript []Entry        `json:"transcript"`
	Fields     map[string]any `json:"fields"`
}

// Session accumulates the transcript and extracted fields of one call.
type Session struct {
	CallID    string
	StartedAt time.Time

	mu         sync.RWMutex
	endedAt    time.Time
	transcript []Entry
	fields     map[string]any
	now        func() time.Time
}

func newSession(callID string, now func() time.Time) *Session {
	return &Session{
		CallID:     callID,
		StartedAt:  now(),
		transcript: make([]Entry, 0),
		fields:     make(map[string]any),
		now:        now,
	}
}

// AppendTranscript records text from speaker. Empty text is ignored.
func (s *Session) AppendTranscript(speaker Speaker, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, Entry{Speaker: speaker, Text: text, Timestamp: s.now()})
	s.mu.Unlock()
}

// MergeFields copies fields into the session; a repeated key keeps the latest value.
func (s *Session) MergeFields(fields map[string]any) {
	s.mu.Lock()
	for k, v := range fields {
		s.fields[k] = v
	}
	s.mu.Unlock()
}

// Finalize stamps the end time. Only the first call returns true.
func (s *Session) Finalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return false
	}
	s.endedAt = s.now()
	return true
}

// Finalized reports whether Finalize has run.
func (s *Session) Finalized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.endedAt.IsZero()
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transcript := make([]Entry, len(s.transcript))
	copy(transcript, s.transcript)

	fields := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}

	rec := Record{
		CallID:     s.CallID,
		StartedAt:  s.StartedAt,
		Transcript: transcript,
		Fields:     fields,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		rec.EndedAt = &ended
	}
	return rec
}
