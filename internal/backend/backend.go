// Package backend provides result stores behind api.Backend: an
// in-memory map for embedded workers and tests, Redis with expiring
// keys, SQLite and Postgres tables, and a MongoDB collection.
//
// Stores are upsert-based. Repeated StoreResult calls for one request
// id overwrite the previous record (last write wins), which is how a
// retry chain progresses through RETRY to its terminal state.
package backend

import (
	"encoding/json"

	"github.com/phietala/belt/pkg/api"
)

// encodeErrorInfo renders an ErrorInfo as JSON for text columns. A nil
// info becomes the empty string.
func encodeErrorInfo(info *api.ErrorInfo) (string, error) {
	if info == nil {
		return "", nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeErrorInfo(s string) (*api.ErrorInfo, error) {
	if s == "" {
		return nil, nil
	}
	var info api.ErrorInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return nil, err
	}
	return &info, nil
}
