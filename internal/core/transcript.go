package core

import (
	"github.com/google/uuid"

	"partforge/internal/backend"
)

// appendMessageLocked appends a message, filling in id and timestamp,
// and notifies the listener. Caller holds o.mu.
func (o *Orchestrator) appendMessageLocked(m Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = o.clock.Now()
	}
	o.messages = append(o.messages, m)
	o.notifyTranscriptLocked()
}

// openAssistantLocked appends an empty assistant message and marks it
// active: deltas and narration lines accumulate into it.
func (o *Orchestrator) openAssistantLocked() {
	o.appendMessageLocked(Message{Role: RoleAssistant})
	o.activeIdx = len(o.messages) - 1
}

func (o *Orchestrator) activeLocked() *Message {
	if o.activeIdx < 0 || o.activeIdx >= len(o.messages) {
		return nil
	}
	return &o.messages[o.activeIdx]
}

// appendDeltaLocked appends streamed text to the active assistant
// message.
func (o *Orchestrator) appendDeltaLocked(delta string) {
	m := o.activeLocked()
	if m == nil {
		o.openAssistantLocked()
		m = o.activeLocked()
	}
	m.Content += delta
	o.notifyTranscriptLocked()
}

// setActiveContentLocked replaces the active message text with the
// authoritative full response.
func (o *Orchestrator) setActiveContentLocked(content string) {
	m := o.activeLocked()
	if m == nil {
		return
	}
	m.Content = content
	o.notifyTranscriptLocked()
}

// appendNarrationLocked adds one status line. It lands inside the
// active assistant message when a stream is open, otherwise as a
// standalone system message.
func (o *Orchestrator) appendNarrationLocked(line string) {
	if line == "" {
		return
	}
	m := o.activeLocked()
	if m == nil {
		o.appendMessageLocked(Message{Role: RoleSystem, Content: line})
		return
	}
	if m.Content != "" {
		m.Content += "\n"
	}
	m.Content += line
	o.notifyTranscriptLocked()
}

// appendSystemLocked appends a standalone system message.
func (o *Orchestrator) appendSystemLocked(m Message) {
	m.Role = RoleSystem
	o.appendMessageLocked(m)
}

// appendErrorLocked appends a terminal failure message carrying the
// failed code so the user can retry manually.
func (o *Orchestrator) appendErrorLocked(content, failedCode, errorMessage string) {
	o.appendMessageLocked(Message{
		Role:         RoleSystem,
		Content:      content,
		IsError:      true,
		FailedCode:   failedCode,
		ErrorMessage: errorMessage,
	})
}

func (o *Orchestrator) notifyTranscriptLocked() {
	o.listener.TranscriptChanged(append([]Message(nil), o.messages...))
}

func (o *Orchestrator) notifyPartsLocked() {
	o.listener.PartsChanged(append([]PartProgress(nil), o.parts...))
}

func (o *Orchestrator) notifyStepsLocked() {
	o.listener.StepsChanged(append([]StepProgress(nil), o.steps...))
}

func (o *Orchestrator) notifyCandidatesLocked() {
	o.listener.CandidatesChanged(append([]CandidateProgress(nil), o.candidates...))
}

// historyLocked converts the transcript to backend chat history,
// excluding system messages and the still-open active message.
func (o *Orchestrator) historyLocked() []backend.ChatMessage {
	history := make([]backend.ChatMessage, 0, len(o.messages))
	for i := range o.messages {
		m := &o.messages[i]
		if m.Role == RoleSystem || i == o.activeIdx {
			continue
		}
		if m.Content == "" {
			continue
		}
		history = append(history, backend.ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return history
}
