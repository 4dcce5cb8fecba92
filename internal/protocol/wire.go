package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf messages making up a frame:
//
//	message GeneralMessage { int64 time = 1; oneof payload { AuthRequest auth_request = 2; AuthResponse auth_response = 3; } }
//	message AuthRequest    { string login = 1; string password = 2; }
//	message AuthResponse   { Status status = 1; Result result = 2; }
//	message Result         { uint32 user_id = 1; }
const (
	fieldFrameTime         protowire.Number = 1
	fieldFrameAuthRequest  protowire.Number = 2
	fieldFrameAuthResponse protowire.Number = 3

	fieldAuthRequestLogin    protowire.Number = 1
	fieldAuthRequestPassword protowire.Number = 2

	fieldAuthResponseStatus protowire.Number = 1
	fieldAuthResponseResult protowire.Number = 2

	fieldAuthResultUserID protowire.Number = 1
)

var (
	// ErrMalformedFrame is returned when a frame body is not a valid encoding.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedLength is returned when the length prefix of a frame is not a valid varint.
	ErrMalformedLength = errors.New("malformed frame length")
	// ErrFrameTooLarge is returned when a frame declares a length above the decoder's limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// AppendFrame appends the length-delimited encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	body, err := appendFrameBody(nil, f)
	if err != nil {
		return dst, err
	}
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...), nil
}

// Encode returns the length-delimited encoding of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

func appendFrameBody(b []byte, f Frame) ([]byte, error) {
	if f.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldFrameTime, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Timestamp))
	}

	switch p := f.Payload.(type) {
	case nil:
	case *AuthRequest:
		b = protowire.AppendTag(b, fieldFrameAuthRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal())
	case *AuthResponse:
		b = protowire.AppendTag(b, fieldFrameAuthResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal())
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
	return b, nil
}

func (r *AuthRequest) marshal() []byte {
	var b []byte
	if r == nil {
		return b
	}
	if r.Login != "" {
		b = protowire.AppendTag(b, fieldAuthRequestLogin, protowire.BytesType)
		b = protowire.AppendString(b, r.Login)
	}
	if r.Password != "" {
		b = protowire.AppendTag(b, fieldAuthRequestPassword, protowire.BytesType)
		b = protowire.AppendString(b, r.Password)
	}
	return b
}

func (r *AuthResponse) marshal() []byte {
	var b []byte
	if r == nil {
		return b
	}
	if r.Status != 0 {
		b = protowire.AppendTag(b, fieldAuthResponseStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(r.Status)))
	}
	if r.Result != nil {
		var result []byte
		if r.Result.UserID != 0 {
			result = protowire.AppendTag(result, fieldAuthResultUserID, protowire.VarintType)
			result = protowire.AppendVarint(result, uint64(r.Result.UserID))
		}
		b = protowire.AppendTag(b, fieldAuthResponseResult, protowire.BytesType)
		b = protowire.AppendBytes(b, result)
	}
	return b
}

// DecodeFrame decodes a frame body (without its length prefix). Unknown fields are
// skipped, so a frame carrying a payload type this server doesn't know about comes
// back with a nil Payload.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldFrameTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Timestamp = int64(v)
			return n, nil
		case num == fieldFrameAuthRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			req, err := decodeAuthRequest(v)
			f.Payload = req
			return n, err
		case num == fieldFrameAuthResponse && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			resp, err := decodeAuthResponse(v)
			f.Payload = resp
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Frame{}, err
	}
	return f, nil
}

func decodeAuthRequest(b []byte) (*AuthRequest, error) {
	req := &AuthRequest{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAuthRequestLogin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Login = v
			return n, nil
		case num == fieldAuthRequestPassword && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Password = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return req, err
}

func decodeAuthResponse(b []byte) (*AuthResponse, error) {
	resp := &AuthResponse{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAuthResponseStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.Status = Status(int32(v))
			return n, nil
		case num == fieldAuthResponseResult && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			result, err := decodeAuthResult(v)
			resp.Result = result
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return resp, err
}

func decodeAuthResult(b []byte) (*AuthResult, error) {
	result := &AuthResult{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldAuthResultUserID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			result.UserID = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return result, err
}

// consumeFields walks every field in b, handing the bytes following each tag to fn.
// fn returns the number of bytes it consumed or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
