package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch rejects a single request; the connection stays usable.
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	// ErrUnknownOpcode rejects a single request; the connection stays usable.
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")
	// ErrMalformed is returned for bodies that are not valid protocol JSON.
	ErrMalformed = errors.New("protocol: malformed message")
)

// StatusError is a non-200 reply from the remote side, surfaced verbatim.
type StatusError struct {
	Code        int
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: remote status %d %s", e.Code, e.Description)
}

// NewStatus builds a reply head for the given code.
func NewStatus(code int, description string) Status {
	return Status{StatusCode: code, StatusDescription: description}
}

// OK is the head of every successful reply.
func OK() Status { return NewStatus(StatusOK, "OK") }

func EncodeHeartbeat(hb Heartbeat) ([]byte, error) {
	return json.Marshal(heartbeatFrame{envelope{Version, OpHeartbeat}, hb})
}

func EncodeGet(req GetRequest) ([]byte, error) {
	return json.Marshal(getFrame{envelope{Version, OpGet}, req})
}

func EncodeClaim(req ClaimRequest) ([]byte, error) {
	return json.Marshal(claimFrame{envelope{Version, OpClaim}, req})
}

// EncodeReply marshals any reply type (GetResponse, ClaimResponse or a bare Status).
// Compact payloads pass through byte for byte: HTML characters are not
// escaped, so the data hashes on the receiving side as it did on the sender.
func EncodeReply(reply any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(reply); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a request body. The version is checked before the opcode, so
// a future version with new opcodes is reported as a version mismatch.
func Decode(b []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, env.Version, Version)
	}

	var req Request
	switch env.Op {
	case OpHeartbeat:
		req = &Heartbeat{}
	case OpGet:
		req = &GetRequest{}
	case OpClaim:
		req = &ClaimRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOpcode, env.Op)
	}
	if err := json.Unmarshal(b, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Op, err)
	}
	return req, nil
}

// DecodeGetReply parses a GET reply. Non-200 replies come back as *StatusError.
func DecodeGetReply(b []byte) (*GetResponse, error) {
	resp := &GetResponse{}
	if err := json.Unmarshal(b, resp); err != nil {
		return nil, fmt.Errorf("%w: get reply: %v", ErrMalformed, err)
	}
	if resp.StatusCode != StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Description: resp.StatusDescription}
	}
	return resp, nil
}

// DecodeClaimReply parses a CLAIM reply. Non-200 replies come back as *StatusError.
func DecodeClaimReply(b []byte) (*ClaimResponse, error) {
	resp := &ClaimResponse{}
	if err := json.Unmarshal(b, resp); err != nil {
		return nil, fmt.Errorf("%w: claim reply: %v", ErrMalformed, err)
	}
	if resp.StatusCode != StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Description: resp.StatusDescription}
	}
	return resp, nil
}

// StatusFor maps an error to the reply head sent back to the requester.
func StatusFor(err error) Status {
	var se *StatusError
	switch {
	case err == nil:
		return OK()
	case errors.As(err, &se):
		return NewStatus(se.Code, se.Description)
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrUnknownOpcode), errors.Is(err, ErrMalformed):
		return NewStatus(StatusBadRequest, "Bad Request: "+err.Error())
	default:
		return NewStatus(StatusInternalError, "Internal Server Error: "+err.Error())
	}
}
