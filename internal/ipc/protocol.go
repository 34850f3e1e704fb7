package ipc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the union of every field any command accepts (spec.md §6's
// single "{command, ...fields}" request shape). Unused fields are simply
// left at their zero value per command.
type envelope struct {
	Command            string          `json:"command"`
	RequestID          string          `json:"request_id,omitempty"`
	MacAddress         string          `json:"mac_address,omitempty"`
	ServiceUUID        string          `json:"service_uuid,omitempty"`
	CharacteristicUUID string          `json:"characteristic_uuid,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	ResponseRequired   bool            `json:"response_required,omitempty"`
	Priority           string          `json:"priority,omitempty"`
	Timeout            float64         `json:"timeout,omitempty"`
	CallbackID         string          `json:"callback_id,omitempty"`
	Unsubscribe        bool            `json:"unsubscribe,omitempty"`
	SkipOldRequests    *bool           `json:"skip_old_requests,omitempty"`
	MaxAgeSec          *float64        `json:"max_age_sec,omitempty"`
}

// response is the single envelope every reply is framed in (spec.md §6).
type response struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

func successResponse(requestID string, result any) response {
	return response{Status: "success", RequestID: requestID, Result: result}
}

func errorResponse(requestID, message string) response {
	return response{Status: "error", RequestID: requestID, Error: message}
}

// notificationPush is the `type:"notification"` line pushed to every
// subscriber of a fired callback_id (spec.md §6).
type notificationPush struct {
	Type               string  `json:"type"`
	CallbackID         string  `json:"callback_id"`
	MacAddress         string  `json:"mac_address"`
	CharacteristicUUID string  `json:"characteristic_uuid"`
	Value              string  `json:"value"`
	Timestamp          float64 `json:"timestamp"`
}

// decodeData accepts either a hex string or a JSON array of byte values
// for the `data` field of send_command, per spec.md §4.8.
func decodeData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		asString = strings.TrimPrefix(asString, "0x")
		data, err := hex.DecodeString(asString)
		if err != nil {
			return nil, fmt.Errorf("data: invalid hex string: %w", err)
		}
		return data, nil
	}

	var asArray []byte
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	return nil, fmt.Errorf("data: expected a hex string or byte array")
}
