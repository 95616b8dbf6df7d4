package onebot

import "encoding/json"

// Action names used by the protocol client and media resolver.
// A superset — callers probe availability rather than assuming
// every implementation exposes all of them.
const (
	ActionSendPrivateMsg      = "send_private_msg"
	ActionSendGroupMsg        = "send_group_msg"
	ActionSendGuildChannelMsg = "send_guild_channel_msg"
	ActionDeleteMsg           = "delete_msg"
	ActionGetMsg              = "get_msg"
	ActionGetForwardMsg       = "get_forward_msg"
	ActionGetLoginInfo        = "get_login_info"
	ActionGetFriendList       = "get_friend_list"
	ActionGetGroupList        = "get_group_list"
	ActionGetGuildList        = "get_guild_list"
	ActionGetGroupMemberInfo  = "get_group_member_info"
	ActionCanSendRecord       = "can_send_record"
	ActionCanSendImage        = "can_send_image"
	ActionSetInputStatus      = "set_input_status"
	ActionGetImage            = "get_image"
	ActionGetRecord           = "get_record"
	ActionGetFile             = "get_file"
	ActionDownloadFile        = "download_file"
	ActionDownloadFileStream  = "download_file_stream"
	ActionUploadFileStream    = "upload_file_stream"
	ActionCleanStreamTemp     = "clean_stream_temp_file"
)

// ActionRequest is an outbound {action, params, echo} frame.
type ActionRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
	Echo   string          `json:"echo"`
}

// ActionStatus values for ActionResponse.Status.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// ActionResponse is the reply frame matched back to a request by Echo.
type ActionResponse struct {
	Status string          `json:"status"`
	Retcode int            `json:"retcode,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Echo   string          `json:"echo"`
}

// OK reports whether the response indicates success.
func (r *ActionResponse) OK() bool { return r.Status == StatusOK }

// GetImageData is the data payload of a get_image / get_record / get_file response.
type GetImageData struct {
	File    string `json:"file,omitempty"`
	URL     string `json:"url,omitempty"`
	Base64  string `json:"base64,omitempty"`
	FileSize string `json:"file_size,omitempty"`
}

// LoginInfo is the data payload of get_login_info.
type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}
