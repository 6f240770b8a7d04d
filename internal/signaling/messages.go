package signaling

import "encoding/json"

// Voice signaling opcodes. Values are fixed by the relay protocol.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
	opClientDisconnect   = 13
)

// EncryptionMode is the only media cipher this client negotiates.
const EncryptionMode = "xsalsa20_poly1305"

// envelope is the outer {"op": n, "d": {...}} frame of every signaling
// message. Field names are part of the wire protocol; do not rename.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloData struct {
	// Interval in milliseconds; the relay may send a fractional value.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolInfo `json:"data"`
}

type selectProtocolInfo struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type speakingData struct {
	UserID   string `json:"user_id,omitempty"`
	SSRC     uint32 `json:"ssrc"`
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
}

type clientDisconnectData struct {
	UserID string `json:"user_id"`
}

func marshalEnvelope(op int, d any) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Op: op, D: raw})
}
