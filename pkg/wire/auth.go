package wire

import (
	"encoding/binary"
	"fmt"
)

// AuthType selects the payload shape carried on ChannelAuth.
type AuthType byte

const (
	AuthNodeToNode    AuthType = 0
	AuthWrapperToNode AuthType = 1
)

// AuthNodePayload is the NODE_TO_NODE authorization body:
// [clusterId][uniqueId][listenAddresses...].
type AuthNodePayload struct {
	ClusterID       string
	UniqueID        string
	ListenAddresses []string
}

// AuthServicePayload is the WRAPPER_TO_NODE authorization body:
// [connectionKey][serviceUniqueId].
type AuthServicePayload struct {
	ConnectionKey string
	ServiceID     string
}

// EncodeAuthNode serializes an AuthNodePayload preceded by its type byte.
func EncodeAuthNode(p AuthNodePayload) []byte {
	out := []byte{byte(AuthNodeToNode)}
	out = appendString(out, p.ClusterID)
	out = appendString(out, p.UniqueID)
	out = binary.AppendUvarint(out, uint64(len(p.ListenAddresses)))
	for _, addr := range p.ListenAddresses {
		out = appendString(out, addr)
	}
	return out
}

// DecodeAuth inspects the type byte and decodes the matching payload.
func DecodeAuth(data []byte) (AuthType, any, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("wire: empty auth payload")
	}
	switch AuthType(data[0]) {
	case AuthNodeToNode:
		r := newByteReader(data[1:])
		clusterID, err := readString(r)
		if err != nil {
			return 0, nil, err
		}
		uniqueID, err := readString(r)
		if err != nil {
			return 0, nil, err
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, nil, err
		}
		addrs := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			addr, err := readString(r)
			if err != nil {
				return 0, nil, err
			}
			addrs = append(addrs, addr)
		}
		return AuthNodeToNode, AuthNodePayload{ClusterID: clusterID, UniqueID: uniqueID, ListenAddresses: addrs}, nil

	case AuthWrapperToNode:
		r := newByteReader(data[1:])
		key, err := readString(r)
		if err != nil {
			return 0, nil, err
		}
		svc, err := readString(r)
		if err != nil {
			return 0, nil, err
		}
		return AuthWrapperToNode, AuthServicePayload{ConnectionKey: key, ServiceID: svc}, nil

	default:
		return 0, nil, fmt.Errorf("wire: unknown auth type %d", data[0])
	}
}

// EncodeAuthService serializes an AuthServicePayload preceded by its type byte.
func EncodeAuthService(p AuthServicePayload) []byte {
	out := []byte{byte(AuthWrapperToNode)}
	out = appendString(out, p.ConnectionKey)
	out = appendString(out, p.ServiceID)
	return out
}

// AuthResponse is the reply frame on ChannelAuth:
// [success][initialSync][snapshot?].
type AuthResponse struct {
	Success     bool
	InitialSync bool
	Snapshot    []byte
}

func EncodeAuthResponse(r AuthResponse) []byte {
	out := []byte{boolByte(r.Success), boolByte(r.InitialSync)}
	out = binary.AppendUvarint(out, uint64(len(r.Snapshot)))
	out = append(out, r.Snapshot...)
	return out
}

func DecodeAuthResponse(data []byte) (AuthResponse, error) {
	if len(data) < 2 {
		return AuthResponse{}, fmt.Errorf("wire: short auth response")
	}
	r := newByteReader(data[2:])
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return AuthResponse{}, err
	}
	snap := make([]byte, n)
	for i := range snap {
		b, err := r.ReadByte()
		if err != nil {
			return AuthResponse{}, err
		}
		snap[i] = b
	}
	return AuthResponse{
		Success:     data[0] != 0,
		InitialSync: data[1] != 0,
		Snapshot:    snap,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(r *byteReader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	start := r.off
	if start+int(n) > len(r.b) {
		return "", fmt.Errorf("wire: string length out of range")
	}
	r.off += int(n)
	return string(r.b[start : start+int(n)]), nil
}
