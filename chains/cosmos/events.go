package cosmos

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	EventSendPacket    = "send_packet"
	EventRecvPacket    = "recv_packet"
	EventTimeoutPacket = "timeout_packet"

	AttrPacketSrcChannel       = "packet_src_channel"
	AttrPacketDstChannel       = "packet_dst_channel"
	AttrPacketSequence         = "packet_sequence"
	AttrPacketTimeoutTimestamp = "packet_timeout_timestamp"
	AttrPacketData             = "packet_data"
)

type EventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Event struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

// Attribute returns the value of the first attribute with the key.
func (e *Event) Attribute(key string) (string, bool) {
	for _, attr := range e.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}

	return "", false
}

// decoded returns the event with base64 attributes decoded. Tendermint 0.34 nodes encode attribute
// keys and values in base64.
func (e Event) decoded() Event {
	if len(e.Attributes) == 0 {
		return e
	}
	if _, ok := e.Attribute(AttrPacketSequence); ok {
		return e
	}

	out := Event{Type: e.Type, Attributes: make([]EventAttribute, 0, len(e.Attributes))}
	for _, attr := range e.Attributes {
		key, okKey := decodeBase64(attr.Key)
		value, okValue := decodeBase64(attr.Value)
		if !okKey || !okValue {
			return e
		}
		out.Attributes = append(out.Attributes, EventAttribute{Key: key, Value: value})
	}

	return out
}

func decodeBase64(s string) (string, bool) {
	bz, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !utf8.Valid(bz) {
		return "", false
	}

	return string(bz), true
}

type ABCIMessageLog struct {
	MsgIndex int     `json:"msg_index"`
	Log      string  `json:"log"`
	Events   []Event `json:"events"`
}

// ParseRawLog decodes the json raw log of a delivered tx.
func ParseRawLog(rawLog string) ([]ABCIMessageLog, error) {
	logs := make([]ABCIMessageLog, 0)
	if err := json.Unmarshal([]byte(rawLog), &logs); err != nil {
		return nil, err
	}

	return logs, nil
}

// FungibleTokenPacketData is the ICS-20 packet payload.
type FungibleTokenPacketData struct {
	Denom    string `json:"denom"`
	Amount   string `json:"amount"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Memo     string `json:"memo,omitempty"`
}

// PacketData holds what the send_packet event of a transfer says about the packet.
type PacketData struct {
	SourceChannelId  string
	DestChannelId    string
	Sequence         string
	TimeoutTimestamp string
	Transfer         *FungibleTokenPacketData
}

// ParseSendPacket extracts the packet of the first send_packet event.
func ParseSendPacket(events []Event) (*PacketData, bool) {
	for _, e := range events {
		if e.Type != EventSendPacket {
			continue
		}

		e = e.decoded()
		sequence, ok := e.Attribute(AttrPacketSequence)
		if !ok {
			continue
		}

		data := &PacketData{Sequence: sequence}
		data.SourceChannelId, _ = e.Attribute(AttrPacketSrcChannel)
		data.DestChannelId, _ = e.Attribute(AttrPacketDstChannel)
		data.TimeoutTimestamp, _ = e.Attribute(AttrPacketTimeoutTimestamp)

		if raw, ok := e.Attribute(AttrPacketData); ok {
			transfer := &FungibleTokenPacketData{}
			if err := json.Unmarshal([]byte(raw), transfer); err == nil {
				data.Transfer = transfer
			}
		}

		return data, true
	}

	return nil, false
}

// TxResponse is the result of the "tx" rpc method.
type TxResponse struct {
	Hash     string `json:"hash"`
	Height   string `json:"height"`
	Index    int    `json:"index"`
	TxResult struct {
		Code      uint32  `json:"code"`
		Log       string  `json:"log"`
		GasWanted string  `json:"gas_wanted"`
		GasUsed   string  `json:"gas_used"`
		Events    []Event `json:"events"`
	} `json:"tx_result"`
}

func (r *TxResponse) Succeeded() bool {
	return r.TxResult.Code == 0
}

// PacketData returns the send_packet of the tx. The raw log is read first, newer nodes leave it
// empty and only report tx level events.
func (r *TxResponse) PacketData() (*PacketData, bool) {
	if logs, err := ParseRawLog(r.TxResult.Log); err == nil {
		for _, l := range logs {
			if data, ok := ParseSendPacket(l.Events); ok {
				return data, true
			}
		}
	}

	return ParseSendPacket(r.TxResult.Events)
}

// TxHashBytes turns a hex tx hash into bytes. It returns nil for malformed hashes.
func TxHashBytes(hash string) []byte {
	hash = strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X")
	bz, err := hex.DecodeString(hash)
	if err != nil || len(bz) == 0 {
		return nil
	}

	return bz
}
