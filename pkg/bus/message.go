package bus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hearthnet/fleet/pkg/types"
)

// appendString/readString follow the same varint-length-prefixed
// string convention as pkg/wire's auth payloads.
func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(r io.ByteReader, remaining *[]byte) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := *remaining
	if uint64(len(b)) < n {
		return "", fmt.Errorf("bus: string length out of range")
	}
	s := string(b[:n])
	*remaining = b[n:]
	return s, nil
}

type sliceByteReader struct{ b *[]byte }

func (s sliceByteReader) ReadByte() (byte, error) {
	if len(*s.b) == 0 {
		return 0, io.EOF
	}
	c := (*s.b)[0]
	*s.b = (*s.b)[1:]
	return c, nil
}

// EncodeMessage serializes the channel-message frame body (channel
// id 2): [ChannelMessage][bool expectResponse].
func EncodeMessage(msg types.ChannelMessage, expectResponse bool) []byte {
	out := appendString(nil, msg.Sender.UniqueID)
	out = binary.AppendUvarint(out, uint64(len(msg.Sender.ListenAddresses)))
	for _, a := range msg.Sender.ListenAddresses {
		out = appendString(out, a)
	}

	out = binary.AppendUvarint(out, uint64(len(msg.Targets)))
	for _, t := range msg.Targets {
		out = append(out, byte(targetTypeIndex(t.Type)))
		out = appendString(out, t.Name)
	}

	out = appendString(out, msg.Channel)
	out = appendString(out, msg.Message)
	out = binary.AppendUvarint(out, uint64(len(msg.Content)))
	out = append(out, msg.Content...)

	out = appendBool(out, msg.SendSync)
	out = appendString(out, msg.QueryUniqueID)
	out = appendBool(out, expectResponse)
	return out
}

// DecodeMessage parses a channel-message frame body back into a
// ChannelMessage plus the expectResponse flag.
func DecodeMessage(data []byte) (types.ChannelMessage, bool, error) {
	rem := data
	br := sliceByteReader{b: &rem}

	senderID, err := readString(br, &rem)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	addrs := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		a, err := readString(br, &rem)
		if err != nil {
			return types.ChannelMessage{}, false, err
		}
		addrs = append(addrs, a)
	}

	tn, err := binary.ReadUvarint(br)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	targets := make([]types.Target, 0, tn)
	for i := uint64(0); i < tn; i++ {
		typByte, err := br.ReadByte()
		if err != nil {
			return types.ChannelMessage{}, false, err
		}
		name, err := readString(br, &rem)
		if err != nil {
			return types.ChannelMessage{}, false, err
		}
		targets = append(targets, types.Target{Type: targetTypeFromIndex(typByte), Name: name})
	}

	channel, err := readString(br, &rem)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	message, err := readString(br, &rem)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	cn, err := binary.ReadUvarint(br)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	if uint64(len(rem)) < cn {
		return types.ChannelMessage{}, false, fmt.Errorf("bus: content length out of range")
	}
	content := append([]byte(nil), rem[:cn]...)
	rem = rem[cn:]

	sendSync, err := readBool(br)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	queryID, err := readString(br, &rem)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}
	expectResponse, err := readBool(br)
	if err != nil {
		return types.ChannelMessage{}, false, err
	}

	return types.ChannelMessage{
		Sender:        types.NodeIdentity{UniqueID: senderID, ListenAddresses: addrs},
		Targets:       targets,
		Channel:       channel,
		Message:       message,
		Content:       content,
		SendSync:      sendSync,
		QueryUniqueID: queryID,
	}, expectResponse, nil
}

func appendBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func readBool(r io.ByteReader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

var targetTypeOrder = []types.TargetType{
	types.TargetAll, types.TargetAllNodes, types.TargetAllServices,
	types.TargetNode, types.TargetService, types.TargetTask,
	types.TargetGroup, types.TargetEnvironment,
}

func targetTypeIndex(t types.TargetType) int {
	for i, v := range targetTypeOrder {
		if v == t {
			return i
		}
	}
	return 0
}

func targetTypeFromIndex(i byte) types.TargetType {
	if int(i) < len(targetTypeOrder) {
		return targetTypeOrder[i]
	}
	return types.TargetAll
}
