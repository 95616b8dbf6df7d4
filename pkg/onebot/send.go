package onebot

import "encoding/json"

// OutSegment is one outbound message segment. Data is a flat string map —
// OneBot v11 send params carry stringly-typed segment data.
type OutSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// TextSegment builds an outbound text segment.
func TextSegment(text string) OutSegment {
	return OutSegment{Type: SegText, Data: map[string]string{"text": text}}
}

// MediaSegment builds an outbound media segment of the given kind
// (image|record|video|file) pointing at file, which may be a path, URL,
// or base64:// source.
func MediaSegment(kind, file string) OutSegment {
	return OutSegment{Type: kind, Data: map[string]string{"file": file}}
}

// SendPrivateParams is the params payload of send_private_msg.
type SendPrivateParams struct {
	UserID  int64        `json:"user_id"`
	Message []OutSegment `json:"message"`
}

// SendGroupParams is the params payload of send_group_msg.
type SendGroupParams struct {
	GroupID int64        `json:"group_id"`
	Message []OutSegment `json:"message"`
}

// SendGuildParams is the params payload of send_guild_channel_msg.
type SendGuildParams struct {
	GuildID   string       `json:"guild_id"`
	ChannelID string       `json:"channel_id"`
	Message   []OutSegment `json:"message"`
}

// GetMsgParams is the params payload of get_msg.
type GetMsgParams struct {
	MessageID int64 `json:"message_id"`
}

// GetMsgData is the data payload of a get_msg response.
type GetMsgData struct {
	MessageID int64           `json:"message_id"`
	Message   json.RawMessage `json:"message"`
}

// Segments normalizes the reloaded message body to a Segment slice.
func (d *GetMsgData) Segments() ([]Segment, error) {
	ev := Event{Message: d.Message}
	return ev.DecodeMessage()
}

// FileRefParams is the params payload of get_image / get_record / get_file.
type FileRefParams struct {
	File string `json:"file"`
	// get_record wants an output format; harmless elsewhere.
	OutFormat string `json:"out_format,omitempty"`
}

// DownloadStreamParams is the params payload of download_file_stream.
type DownloadStreamParams struct {
	File string `json:"file,omitempty"`
	URL  string `json:"url,omitempty"`
}

// StreamData is the data payload of download_file_stream /
// upload_file_stream: a handle to a server-side temp file, surfaced to the
// resolver as a stream:// candidate.
type StreamData struct {
	File     string `json:"file,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
	Path     string `json:"path,omitempty"`
}
