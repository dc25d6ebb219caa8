package queue

import (
	"encoding/json"
	"fmt"

	"github.com/bissquit/notify-fanout/internal/domain"
)

// EncodeJob serializes a dispatch job into the queue payload wire shape.
func EncodeJob(job *domain.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return data, nil
}

// DecodeJob deserializes a queue payload back into a dispatch job.
func DecodeJob(data []byte) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}
