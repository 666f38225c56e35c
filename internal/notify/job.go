package notify

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a notification job. A job leaves
// pending exactly once.
type JobState string

const (
	JobPending   JobState = "pending"
	JobDelivered JobState = "delivered"
	JobAbandoned JobState = "abandoned"
)

// ReasonShutdown is the LastError of jobs abandoned by Stop
const ReasonShutdown = "shutdown"

// Job is the delivery of one occurrence to one channel
type Job struct {
	ID           string
	OccurrenceID string
	Channel      string
	Payload      Payload
	Attempts     int
	NextRetry    time.Time
	State        JobState
	LastError    string
	CreatedAt    time.Time
}

// Outcome reports how a job ended
type Outcome struct {
	JobID        string    `json:"job_id"`
	OccurrenceID string    `json:"occurrence_id"`
	Channel      string    `json:"channel"`
	State        JobState  `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	At           time.Time `json:"at"`
}

func (j *Job) outcome(at time.Time) Outcome {
	return Outcome{
		JobID:        j.ID,
		OccurrenceID: j.OccurrenceID,
		Channel:      j.Channel,
		State:        j.State,
		Attempts:     j.Attempts,
		LastError:    j.LastError,
		At:           at,
	}
}

// DeliveryError is one failed send attempt on a channel
type DeliveryError struct {
	Channel string
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed (attempt %d): %v", e.Channel, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
