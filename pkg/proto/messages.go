// Package proto defines the wire protocol spoken between the peervault
// coordinator, its storage peers and its clients.
//
// Every frame is a JSON Message envelope. The envelope ID carries the
// correlation id: the coordinator stamps it on STORE and RETRIEVE requests and
// peers echo it on their acks; clients choose it for their own requests and the
// coordinator echoes it on the reply.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Frame overhead allowed on top of the base64-encoded payload.
const frameOverhead = 64 << 10

// FrameLimit returns the largest frame that can carry a payload of
// maxPayload bytes. JSON carries payloads as base64.
func FrameLimit(maxPayload int64) int64 {
	return maxPayload/3*4 + 4 + frameOverhead
}

// MessageType identifies the type of a protocol message.
type MessageType string

const (
	// TypeRegisterNode is sent by a storage peer as the first frame on its connection.
	TypeRegisterNode MessageType = "REGISTER_NODE"
	// TypeRegisterAck confirms (or rejects) a peer registration.
	TypeRegisterAck MessageType = "REGISTER_ACK"

	TypeUpload    MessageType = "UPLOAD"
	TypeUploadAck MessageType = "UPLOAD_ACK"

	TypeStore    MessageType = "STORE"
	TypeStoreAck MessageType = "STORE_ACK"

	TypeList         MessageType = "LIST"
	TypeListResponse MessageType = "LIST_RESPONSE"

	TypeDownload MessageType = "DOWNLOAD"

	TypeRetrieve MessageType = "RETRIEVE"
	// TypeRetrieveAck answers a RETRIEVE (peer to coordinator) and a DOWNLOAD
	// (coordinator to client).
	TypeRetrieveAck MessageType = "RETRIEVE_ACK"

	TypeDelete    MessageType = "DELETE"
	TypeDeleteAck MessageType = "DELETE_ACK"

	// TypeError answers a frame the coordinator could not interpret.
	TypeError MessageType = "ERROR"
)

// ErrorCode is the machine-readable part of a Failure.
type ErrorCode string

const (
	CodeInsufficientReplicas ErrorCode = "INSUFFICIENT_REPLICAS"
	CodeReplicationFailed    ErrorCode = "REPLICATION_FAILED"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeUnavailable          ErrorCode = "UNAVAILABLE"
	CodeChecksumMismatch     ErrorCode = "CHECKSUM_MISMATCH"
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeShuttingDown         ErrorCode = "SHUTTING_DOWN"
	CodeInternal             ErrorCode = "INTERNAL"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Version int             `json:"version"`
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"` // correlation id
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Failure describes why a request did not succeed.
type Failure struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// RegisterNodePayload announces a storage peer.
type RegisterNodePayload struct {
	NodeID string `json:"nodeId"`
}

// RegisterAckPayload answers a RegisterNodePayload.
type RegisterAckPayload struct {
	NodeID string   `json:"nodeId"`
	Error  *Failure `json:"error,omitempty"`
}

// UploadPayload submits a new file. Checksum is computed by the client and is
// advisory; the coordinator fills it in when empty.
type UploadPayload struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Date     time.Time `json:"date"`
	Checksum string    `json:"checksum,omitempty"`
	Data     []byte    `json:"data"`
}

// UploadAckPayload answers an upload.
type UploadAckPayload struct {
	FileID   string   `json:"fileId,omitempty"`
	Checksum string   `json:"checksum,omitempty"`
	Error    *Failure `json:"error,omitempty"`
}

// StorePayload asks a peer to persist a replica.
type StorePayload struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Data   []byte `json:"data"`
}

// StoreAckPayload confirms (or refuses) a StorePayload.
type StoreAckPayload struct {
	FileID string   `json:"fileId"`
	Error  *Failure `json:"error,omitempty"`
}

// FileInfo is one catalog entry as shown to clients.
type FileInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Date     time.Time `json:"date"`
	Checksum string    `json:"checksum"`
	Replicas []string  `json:"replicas,omitempty"`
}

// ListResponsePayload answers a LIST request.
type ListResponsePayload struct {
	Files []FileInfo `json:"files"`
}

// DownloadPayload requests a file by id.
type DownloadPayload struct {
	FileID string `json:"fileId"`
}

// RetrievePayload asks a peer for its replica of a file.
type RetrievePayload struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
}

// RetrieveAckPayload carries a replica back, from a peer or to a client.
type RetrieveAckPayload struct {
	FileID   string   `json:"fileId"`
	Name     string   `json:"name,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Checksum string   `json:"checksum,omitempty"`
	Error    *Failure `json:"error,omitempty"`
}

// DeletePayload removes a file (client) or a replica (peer).
type DeletePayload struct {
	FileID string `json:"fileId"`
}

// DeleteAckPayload answers a DeletePayload.
type DeleteAckPayload struct {
	FileID string   `json:"fileId,omitempty"`
	Error  *Failure `json:"error,omitempty"`
}

// ErrorPayload answers a frame that could not be handled at all.
type ErrorPayload struct {
	Error *Failure `json:"error"`
}

// NewMessage wraps payload in a versioned envelope. A nil payload produces an
// envelope without a payload field.
func NewMessage(t MessageType, id string, payload any) (*Message, error) {
	msg := &Message{
		Version: ProtocolVersion,
		Type:    t,
		ID:      id,
	}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into out after checking the message type.
func (m *Message) Decode(want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("message type is %s, not %s", m.Type, want)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	// Version 0 is what a hand-written client that omits the field sends.
	if msg.Version == 0 {
		msg.Version = ProtocolVersion
	}
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}

	return &msg, nil
}
