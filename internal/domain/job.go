package domain

import "errors"

// Job is the unit of work handed from the producer to a worker. UserIDs and
// Meta are index-aligned: the i-th meta describes the message for the i-th
// recipient.
type Job struct {
	UserIDs        []string `json:"userIds"`
	Channel        string   `json:"channel"`
	Meta           []Meta   `json:"meta"`
	TrackResponses bool     `json:"trackResponses"`
	TrackingKey    string   `json:"trackingKey"`
	CampaignID     string   `json:"campaignId,omitempty"`
}

// Job validation errors.
var (
	ErrNoRecipients = errors.New("job has no recipients")
	ErrMetaMismatch = errors.New("job meta length does not match recipients")
	ErrNoChannel    = errors.New("job has no channel")
)

// Validate checks the structural invariants of a job payload.
func (j *Job) Validate() error {
	if len(j.UserIDs) == 0 {
		return ErrNoRecipients
	}
	if len(j.Meta) != len(j.UserIDs) {
		return ErrMetaMismatch
	}
	if j.Channel == "" {
		return ErrNoChannel
	}
	return nil
}
