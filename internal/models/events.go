package models

import "encoding/json"

// ClientEvent is the envelope of every client-to-server frame.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the envelope of every server-to-client frame.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound event names.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventSetStatus    = "set_status"
)

// Outbound event names.
const (
	EventAuthenticated          = "authenticated"
	EventNewMessage             = "new_message"
	EventNewDirectMessage       = "new_direct_message"
	EventUserJoined             = "user_joined"
	EventUserLeft               = "user_left"
	EventUserTyping             = "user_typing"
	EventError                  = "error"
	EventKickedFromRoom         = "kicked_from_room"
	EventRoomClosed             = "room_closed"
	EventFriendRequestReceived  = "friend_request_received"
	EventFriendRequestAccepted  = "friend_request_accepted"
	EventNewNotification        = "new_notification"
	EventGiftReceived           = "gift_received"
	EventCreditReceived         = "credit_received"
	EventRoomMemberCountUpdated = "room_member_count_updated"
	EventFriendListUpdated      = "friend_list_updated"
	EventPresenceChanged        = "presence_changed"
)

type AuthenticateRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type JoinRoomRequest struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
}

type LeaveRoomRequest struct {
	RoomID    string `json:"roomId"`
	SessionID string `json:"sessionId"`
	Force     bool   `json:"force"`
}

type SendMessageRequest struct {
	Content     string      `json:"content"`
	RoomID      string      `json:"roomId,omitempty"`
	RecipientID string      `json:"recipientId,omitempty"`
	MessageType MessageType `json:"messageType,omitempty"`
}

type TypingRequest struct {
	RoomID      string `json:"roomId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

type SetStatusRequest struct {
	Status PresenceStatus `json:"status"`
}

type AuthenticatedPayload struct {
	Success bool  `json:"success"`
	User    *User `json:"user,omitempty"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type UserJoinedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type UserLeftPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// Error codes carried by ErrorPayload.
const (
	ErrorCodeProtocol     = "protocol"
	ErrorCodeAuthRequired = "auth_required"
	ErrorCodeForbidden    = "forbidden"
	ErrorCodeInternal     = "internal"
)

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RoomNoticePayload is carried by kicked_from_room and room_closed.
type RoomNoticePayload struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
}

type MemberCountPayload struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

type NotificationPayload struct {
	Notification Notification `json:"notification"`
}

type FriendRequestPayload struct {
	FromUser *User `json:"fromUser"`
}

type GiftPayload struct {
	FromUser *User          `json:"fromUser"`
	Gift     json.RawMessage `json:"gift,omitempty"`
}

type CreditPayload struct {
	Amount json.Number `json:"amount"`
}

// Event builds a ServerEvent.
func Event(name string, data any) ServerEvent {
	if data == nil {
		data = struct{}{}
	}
	return ServerEvent{Event: name, Data: data}
}

// ErrorEvent builds an error event with the given code.
func ErrorEvent(code, message string) ServerEvent {
	return Event(EventError, ErrorPayload{Message: message, Code: code})
}
