package auth

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRequest is returned when a login connection request cannot
// be parsed.
var ErrMalformedRequest = errors.New("malformed connection request")

// Request is the payload of a Login packet: the identity chain and the
// client data JWT. Newer clients wrap the chain in a certificate envelope;
// the envelope is kept so the request is re-encoded in the shape the
// client sent.
type Request struct {
	Chain      []string
	ClientData string

	Wrapped            bool
	AuthenticationType int
	Token              string
}

type chainJSON struct {
	Chain []string `json:"chain"`
}

type envelopeJSON struct {
	AuthenticationType int    `json:"AuthenticationType"`
	Certificate        string `json:"Certificate"`
	Token              string `json:"Token"`
}

// ParseRequest decodes a Login connection request.
func ParseRequest(data []byte) (*Request, error) {
	chainData, rest, err := readLenPrefixed(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chain: %v", ErrMalformedRequest, err)
	}
	clientData, _, err := readLenPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: client data: %v", ErrMalformedRequest, err)
	}

	req := &Request{ClientData: string(clientData)}

	var env envelopeJSON
	if err := json.Unmarshal(chainData, &env); err == nil && env.Certificate != "" {
		req.Wrapped = true
		req.AuthenticationType = env.AuthenticationType
		req.Token = env.Token
		chainData = []byte(env.Certificate)
	}

	var c chainJSON
	if err := json.Unmarshal(chainData, &c); err != nil {
		return nil, fmt.Errorf("%w: chain json: %v", ErrMalformedRequest, err)
	}
	if len(c.Chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedRequest)
	}
	req.Chain = c.Chain
	return req, nil
}

// Encode serializes the request for a Login packet.
func (r *Request) Encode() ([]byte, error) {
	chainData, err := json.Marshal(chainJSON{Chain: r.Chain})
	if err != nil {
		return nil, err
	}
	if r.Wrapped {
		chainData, err = json.Marshal(envelopeJSON{
			AuthenticationType: r.AuthenticationType,
			Certificate:        string(chainData),
			Token:              r.Token,
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, 8+len(chainData)+len(r.ClientData))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(chainData)))
	out = append(out, chainData...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(r.ClientData)))
	out = append(out, r.ClientData...)
	return out, nil
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("short length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}
