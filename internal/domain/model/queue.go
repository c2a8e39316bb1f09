package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNoMessages is returned when a topic has no message ready for reservation.
var ErrNoMessages = errors.New("no messages available")

// ProcessJobMessage is the payload carried on ProcessJobTopic. It never embeds the full job.
type ProcessJobMessage struct {
	JobID        string    `json:"jobId"`
	Files        []FileRef `json:"files"`
	TargetLocale string    `json:"targetLocale"`
}

// Validate checks the message can be acted on.
func (m *ProcessJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return errors.New("jobId is required")
	}
	return nil
}

// DecodeProcessJobMessage decodes and validates a queue payload.
func DecodeProcessJobMessage(payload []byte) (*ProcessJobMessage, error) {
	var msg ProcessJobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// MaxAttempts bounds deliveries before the message is dead-lettered; zero uses the queue default.
	MaxAttempts int
}

// EnqueueAck confirms a message was durably accepted.
type EnqueueAck struct {
	MessageID string
	Topic     string
}

// Delivery is a leased message handed to exactly one consumer.
type Delivery struct {
	ID             string
	Topic          string
	Payload        json.RawMessage
	Attempt        int
	MaxAttempts    int
	LeaseExpiresAt time.Time
	EnqueuedAt     time.Time
}

// LastAttempt reports whether a failed handling of d should be treated as final.
func (d *Delivery) LastAttempt() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

// NackOutcome reports what the queue did with a negatively acknowledged message.
type NackOutcome string

const (
	// NackRetried means the message will be delivered again after a delay.
	NackRetried NackOutcome = "retried"
	// NackDead means attempts were exhausted and the message was dead-lettered.
	NackDead NackOutcome = "dead"
	// NackLost means the lease had already moved on; nothing was changed.
	NackLost NackOutcome = "lost"
)

// QueueStats holds message counts for a topic.
type QueueStats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}
