// Package onebot defines the OneBot v11 wire types consumed and produced by
// the gateway: inbound event envelopes, message segments, and action
// request/response shapes. It has no behavior of its own — the protocol
// client in internal/protocol decodes onto these types.
package onebot

import "encoding/json"

// PostType values for the top-level event envelope.
const (
	PostTypeMessage   = "message"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"
	PostTypeMetaEvent = "meta_event"
)

// MessageType values.
const (
	MessageTypePrivate = "private"
	MessageTypeGroup   = "group"
	MessageTypeGuild   = "guild"
)

// Segment type names consumed by the gateway.
const (
	SegText    = "text"
	SegAt      = "at"
	SegImage   = "image"
	SegRecord  = "record"
	SegVideo   = "video"
	SegFile    = "file"
	SegReply   = "reply"
	SegForward = "forward"
	SegJSON    = "json"
	SegFace    = "face"
)

// Sender describes the sender block of a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Segment is one OneBot message segment, e.g. {"type":"image","data":{...}}.
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SegmentData is the loosely-typed superset of fields seen across segment
// kinds. Only the fields relevant to a given Type are populated by senders;
// the gateway reads whichever are present.
type SegmentData struct {
	Text          string `json:"text,omitempty"`
	QQ            string `json:"qq,omitempty"`
	File          string `json:"file,omitempty"`
	URL           string `json:"url,omitempty"`
	Src           string `json:"src,omitempty"`
	DownloadURL   string `json:"download_url,omitempty"`
	Path          string `json:"path,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	LocalPath     string `json:"local_path,omitempty"`
	TempFile      string `json:"temp_file,omitempty"`
	Name          string `json:"name,omitempty"`
	ID            string `json:"id,omitempty"`
	Base64        string `json:"base64,omitempty"`
}

// Event is the inbound event envelope pushed by the OneBot implementation.
// Message is left raw: it may be a JSON array of Segment or (best-effort) a
// bare string — callers use DecodeMessage to normalize it.
type Event struct {
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type,omitempty"`
	SubType     string          `json:"sub_type,omitempty"`
	MessageID   int64           `json:"message_id,omitempty"`
	UserID      int64           `json:"user_id,omitempty"`
	GroupID     int64           `json:"group_id,omitempty"`
	GuildID     string          `json:"guild_id,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	RawMessage  string          `json:"raw_message,omitempty"`
	Sender      *Sender         `json:"sender,omitempty"`

	// NoticeType/RequestType/MetaEventType are populated for the
	// corresponding PostType values; the gateway otherwise ignores them
	// (routing and media resolution only need message events).
	NoticeType    string `json:"notice_type,omitempty"`
	RequestType   string `json:"request_type,omitempty"`
	MetaEventType string `json:"meta_event_type,omitempty"`
}

// DecodeMessage normalizes Event.Message into a Segment slice. A bare-string
// message (the best-effort wire form) becomes a single text segment —
// this loses any structured media fields the sender might otherwise have
// carried, which is why messagePostFormat=array is required for full
// fidelity.
func (e *Event) DecodeMessage() ([]Segment, error) {
	if len(e.Message) == 0 {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal(e.Message, &segs); err == nil {
		return segs, nil
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Segment{{Type: SegText, Data: json.RawMessage(`{"text":` + strconvQuote(s) + `}`)}}, nil
	}
	return nil, ErrUnrecognizedMessageShape
}

func strconvQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ParseData unmarshals the segment's raw data into SegmentData.
func (s Segment) ParseData() (SegmentData, error) {
	var d SegmentData
	if len(s.Data) == 0 {
		return d, nil
	}
	err := json.Unmarshal(s.Data, &d)
	return d, err
}

// ErrUnrecognizedMessageShape is returned when Event.Message is neither a
// segment array nor a bare string.
var ErrUnrecognizedMessageShape = errFmt("onebot: message field is neither array nor string")

type errString string

func (e errString) Error() string { return string(e) }
func errFmt(s string) error       { return errString(s) }
