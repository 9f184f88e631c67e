package esdb

import "encoding/json"

// errorPayload is the common shape of a failed operation response.
// The facade encodes request/response payloads with encoding/json:
// no dependency in the stack provides a lighter-weight framing for ad
// hoc payloads, and JSON keeps them human-inspectable during
// development.
type errorPayload struct {
	Code           int    `json:"code"`
	Message        string `json:"message,omitempty"`
	CurrentVersion int64  `json:"currentVersion,omitempty"`
}

func (e errorPayload) toError(streamID string) error {
	pe := ProtocolError(e.Code)
	if pe == ErrWrongExpectedVersion {
		return &WrongExpectedVersionError{StreamID: streamID, Actual: e.CurrentVersion}
	}
	return &ServerProtocolError{Kind: pe, Detail: e.Message}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload passed here is a plain struct of primitives and
		// slices — marshaling cannot fail. SetStreamMetadata, whose
		// Custom field can hold invalid JSON, marshals its own request.
		panic(err)
	}
	return b
}
