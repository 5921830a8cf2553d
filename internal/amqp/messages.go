package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshRequest asks a worker to pull a fresh snapshot from the backend.
// An empty AccountID refreshes every linked account.
type RefreshRequest struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"account_id,omitempty"`
	StartDate string    `json:"start_date,omitempty"`
	EndDate   string    `json:"end_date,omitempty"`
	Mock      bool      `json:"mock,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// TraceID is the id of the HTTP request that queued the refresh.
	TraceID string `json:"trace_id,omitempty"`
}

// NewRefreshRequest creates a request with a fresh id.
func NewRefreshRequest(accountID, startDate, endDate string, mock bool) *RefreshRequest {
	return &RefreshRequest{
		ID:        uuid.New(),
		AccountID: accountID,
		StartDate: startDate,
		EndDate:   endDate,
		Mock:      mock,
		Timestamp: time.Now(),
	}
}

func (m *RefreshRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RefreshRequestFromJSON decodes a request. Messages without an id are
// rejected since they cannot be traced.
func RefreshRequestFromJSON(data []byte) (*RefreshRequest, error) {
	var msg RefreshRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == uuid.Nil {
		return nil, fmt.Errorf("refresh request: missing id")
	}
	return &msg, nil
}
