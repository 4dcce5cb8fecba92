// Package protocol contains the wire format spoken between game clients and the
// server: the Frame envelope, the set of payloads it can carry, and the Codec that
// moves length-delimited frames over a connection.
package protocol

import "fmt"

// Status is the outcome of an authorization attempt reported to the client.
type Status int32

const (
	StatusSuccess            Status = 0
	StatusInvalidCredentials Status = 1
	StatusServerIsFull       Status = 2
	StatusBanned             Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidCredentials:
		return "InvalidCredentials"
	case StatusServerIsFull:
		return "ServerIsFull"
	case StatusBanned:
		return "Banned"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Payload is one of the message types a Frame can carry. The set is closed; new
// message types are added here and handled wherever payloads are switched on.
type Payload interface {
	isPayload()
}

// AuthRequest is the first message a client sends after connecting.
type AuthRequest struct {
	Login    string
	Password string
}

// AuthResponse is the server's single reply to an AuthRequest. Result is only
// set when Status is StatusSuccess.
type AuthResponse struct {
	Status Status
	Result *AuthResult
}

// AuthResult carries the ID assigned to an admitted client.
type AuthResult struct {
	UserID uint32
}

func (*AuthRequest) isPayload()  {}
func (*AuthResponse) isPayload() {}

// Frame is a single protocol message along with the time (Unix milliseconds)
// at which the sender produced it.
type Frame struct {
	Timestamp int64
	Payload   Payload
}
