package remote

import (
	"encoding/json"
	"time"
)

// Wire bodies shared by HTTPStore and Handler.

type pushBody struct {
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion int64           `json:"expectedVersion"`
	LastModifiedAt  time.Time       `json:"lastModifiedAt"`
}

type conflictBody struct {
	Error   string  `json:"error"`
	Current *Change `json:"current,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}
