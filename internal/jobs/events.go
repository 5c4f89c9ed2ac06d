package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names a job lifecycle event.
type Event string

const (
	EventCreated   Event = "created"
	EventStarted   Event = "started"
	EventProgress  Event = "progress"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventCancelled Event = "cancelled"
)

// IsFinal reports whether no further events follow e for the same job.
func (e Event) IsFinal() bool {
	return e == EventCompleted || e == EventFailed || e == EventCancelled
}

// FinalEvent returns the event announcing terminal status st.
func FinalEvent(st Status) (Event, bool) {
	switch st {
	case StatusCompleted:
		return EventCompleted, true
	case StatusFailed:
		return EventFailed, true
	case StatusCancelled:
		return EventCancelled, true
	}
	return "", false
}

// subjectPrefix roots every job subject:
//
//	jobs.{job_id}.created
//	jobs.{job_id}.started
//	jobs.{job_id}.progress
//	jobs.{job_id}.completed
//	jobs.{job_id}.failed
//	jobs.{job_id}.cancelled
const subjectPrefix = "jobs"

// Subject returns the subject an event of job id is published on.
func Subject(id string, e Event) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, id, e)
}

// SubjectFor returns the wildcard subject matching every event of job id.
func SubjectFor(id string) string {
	return fmt.Sprintf("%s.%s.*", subjectPrefix, id)
}

// SubjectAll matches every job event.
const SubjectAll = subjectPrefix + ".>"

// EventFromSubject extracts the event name from a job subject.
func EventFromSubject(subject string) (Event, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != subjectPrefix {
		return "", false
	}
	return Event(parts[2]), true
}

// Message is the payload of a job event.
type Message struct {
	Event     Event     `json:"event"`
	Job       Summary   `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers job events. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) error { return nil }

// NopPublisher drops every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}

func encodeEvent(e Event, j Job) ([]byte, error) {
	data, err := json.Marshal(Message{Event: e, Job: j.Summary(), Timestamp: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e, err)
	}
	return data, nil
}
