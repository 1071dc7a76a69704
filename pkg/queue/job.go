package queue

import (
	"encoding/json"
	"time"
)

// Job is a queue entry referencing one order. Attempts counts the attempts
// that have already failed; the next lease runs attempt Attempts+1.
type Job struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"orderId"`
	InputAmount float64   `json:"inputAmount"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	NextRunAt   time.Time `json:"nextRunAt"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Payload is the wire shape handed to workers.
type Payload struct {
	OrderID     string  `json:"orderId"`
	InputAmount float64 `json:"inputAmount"`
}

func (j Job) Payload() Payload {
	return Payload{OrderID: j.OrderID, InputAmount: j.InputAmount}
}

func (j Job) Marshal() ([]byte, error) { return json.Marshal(j) }

func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}

// Lease is a job handed to exactly one worker for one attempt.
type Lease struct {
	Job       Job
	Attempt   int  // 1-based
	Final     bool // Attempt == MaxAttempts; a failure now is terminal
	StartedAt time.Time
}
