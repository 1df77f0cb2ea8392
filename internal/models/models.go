package models

import (
	"encoding/json"
	"time"
)

type Kind string

// Inbound kinds.
const (
	KindAuthenticate     Kind = "authenticate"
	KindJoin             Kind = "join"
	KindLeave            Kind = "leave"
	KindCursorUpdate     Kind = "cursor-update"
	KindSelectionUpdate  Kind = "selection-update"
	KindDocumentChange   Kind = "document-change"
	KindChatMessage      Kind = "chat-message"
	KindInviteUser       Kind = "invite-user"
	KindAcceptInvitation Kind = "accept-invitation"
	KindPing             Kind = "ping"
)

// Outbound kinds. cursor-update, selection-update, document-change and
// chat-message are reused in both directions.
const (
	KindAuthenticated           Kind = "authenticated"
	KindAuthenticationError     Kind = "authentication-error"
	KindRoomState               Kind = "room-state"
	KindUserJoined              Kind = "user-joined"
	KindUserLeft                Kind = "user-left"
	KindDocumentAck             Kind = "document-ack"
	KindResync                  Kind = "resync"
	KindCollaborationInvitation Kind = "collaboration-invitation"
	KindInvitationSent          Kind = "invitation-sent"
	KindInvitationAccepted      Kind = "invitation-accepted"
	KindRoomReset               Kind = "room-reset"
	KindError                   Kind = "error"
	KindPong                    Kind = "pong"
)

// Frame is an inbound message as read off the wire.
type Frame struct {
	Kind    Kind            `json:"kind"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound message.
type Event struct {
	Kind    Kind        `json:"kind"`
	RoomID  string      `json:"roomId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

/*** Identity ***/

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may change document content.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

// CanInvite reports whether the role may invite other users.
func (r Role) CanInvite() bool { return r == RoleOwner || r == RoleEditor }

type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

/*** Presence ***/

// Cursor is either a screen point or a text offset, whichever the client tracks.
type Cursor struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Offset *int `json:"offset,omitempty"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Participant struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Email       string     `json:"email,omitempty"`
	Role        Role       `json:"role"`
	Color       string     `json:"color"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
}

/*** Document ***/

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation positions and lengths count Unicode code points.
type Operation struct {
	Type     OpType `json:"type" validate:"required,oneof=insert delete"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// Empty reports whether applying the operation would leave content unchanged.
func (o Operation) Empty() bool {
	if o.Type == OpInsert {
		return o.Text == ""
	}
	return o.Length <= 0
}

/*** Payloads ***/

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type RoomStatePayload struct {
	Participants []Participant `json:"participants"`
	Content      string        `json:"content"`
	Revision     int64         `json:"revision"`
	LastModified time.Time     `json:"lastModified"`
}

type UserJoinedPayload struct {
	Participant Participant `json:"participant"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}

type CursorUpdate struct {
	UserID string `json:"userId,omitempty"`
	Cursor Cursor `json:"cursor"`
}

type SelectionUpdate struct {
	UserID    string    `json:"userId,omitempty"`
	Selection Selection `json:"selection"`
}

type DocumentChangeRequest struct {
	Op             Operation `json:"op"`
	OriginRevision int64     `json:"originRevision" validate:"gte=0"`
}

type DocumentChangeEvent struct {
	UserID   string    `json:"userId"`
	Op       Operation `json:"op"`
	Revision int64     `json:"revision"`
}

type DocumentAck struct {
	Op       Operation `json:"op"`
	Revision int64     `json:"revision"`
}

type ResyncPayload struct {
	Content  string `json:"content"`
	Revision int64  `json:"revision"`
	Reason   string `json:"reason"`
}

type ChatRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type InviteRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  Role   `json:"role" validate:"required,oneof=owner editor viewer"`
}

type Invitation struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	InviterID   string    `json:"inviterId"`
	InviterName string    `json:"inviterName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type InvitationSent struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type AcceptInvitationRequest struct {
	InvitationID string `json:"invitationId" validate:"required"`
}

type InvitationAccepted struct {
	InvitationID string `json:"invitationId"`
	RoomID       string `json:"roomId"`
	Role         Role   `json:"role"`
}

/*** Stats ***/

type RoomSummary struct {
	RoomID       string    `json:"roomId"`
	UserCount    int       `json:"userCount"`
	Revision     int64     `json:"revision"`
	LastModified time.Time `json:"lastModified"`
}

type RoomStats struct {
	TotalRooms int           `json:"totalRooms"`
	TotalUsers int           `json:"totalUsers"`
	Rooms      []RoomSummary `json:"rooms"`
}

/*** Cross-instance presence ***/

type PresenceEvent struct {
	Type         string    `json:"type"` // "user-joined", "user-left"
	RoomID       string    `json:"roomId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	InstanceID   string    `json:"instanceId"`
	Timestamp    time.Time `json:"timestamp"`
}
