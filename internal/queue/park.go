package queue

import (
	"encoding/json"
	"time"
)

// parkedTask is the envelope written to a parked queue: the original task
// plus the final error for the operator digging through it.
type parkedTask struct {
	Task     *Task     `json:"task"`
	Error    string    `json:"error"`
	ParkedAt time.Time `json:"parked_at"`
}

func marshalTask(task *Task, lastErr error) ([]byte, error) {
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	return json.Marshal(parkedTask{
		Task:     task,
		Error:    errText,
		ParkedAt: time.Now().UTC(),
	})
}
