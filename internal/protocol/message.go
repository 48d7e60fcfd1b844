// Package protocol defines the wire message model: typed requests parsed
// from client frames and responses serialised back onto the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is returned when a decoded frame is not a valid request.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

const timeLayout = "2006-01-02 15:04:05"

// RequestKind identifies which Request variant a frame decodes to.
type RequestKind int

const (
	KindLogin RequestKind = iota
	KindExit
	KindPost
	KindKey
	KindQueryUser
	KindInsertContact
	KindQueryGroup
	KindInsertGroup
	KindInsertGroupUser
	KindFile
	KindAPNsToken
	KindUpdateAvatar
)

func (k RequestKind) String() string {
	switch k {
	case KindLogin:
		return "Login"
	case KindExit:
		return "Exit"
	case KindPost:
		return "Post"
	case KindKey:
		return "Key"
	case KindQueryUser:
		return "QueryUser"
	case KindInsertContact:
		return "InsertContact"
	case KindQueryGroup:
		return "QueryGroup"
	case KindInsertGroup:
		return "InsertGroup"
	case KindInsertGroupUser:
		return "InsertGroupUser"
	case KindFile:
		return "File"
	case KindAPNsToken:
		return "APNsToken"
	case KindUpdateAvatar:
		return "UpdateAvatar"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is the discriminated union of inbound client messages: one
// concrete type per kind, rather than one struct whose fields are only
// meaningful for some kinds.
type Request interface {
	Kind() RequestKind
}

type LoginRequest struct {
	From          int
	Name          string
	Timestamp     time.Time
	UserAPNsToken string
}

func (LoginRequest) Kind() RequestKind { return KindLogin }

type ExitRequest struct {
	From int
}

func (ExitRequest) Kind() RequestKind { return KindExit }

type PostRequest struct {
	From, To  int
	Name      string
	Msg       string
	MsgType   string
	IsGroup   bool
	Timestamp time.Time
}

func (PostRequest) Kind() RequestKind { return KindPost }

type KeyRequest struct {
	From int
}

func (KeyRequest) Kind() RequestKind { return KindKey }

type QueryUserRequest struct {
	From, To int
}

func (QueryUserRequest) Kind() RequestKind { return KindQueryUser }

type InsertContactRequest struct {
	From, To int
}

func (InsertContactRequest) Kind() RequestKind { return KindInsertContact }

type QueryGroupRequest struct {
	From, To int
	Msg      string
}

func (QueryGroupRequest) Kind() RequestKind { return KindQueryGroup }

type InsertGroupRequest struct {
	From, To int
	Msg      string
}

func (InsertGroupRequest) Kind() RequestKind { return KindInsertGroup }

type InsertGroupUserRequest struct {
	From, To int
}

func (InsertGroupUserRequest) Kind() RequestKind { return KindInsertGroupUser }

type FileRequest struct {
	From                             int
	FileHash, FileSuffix, Operation string
}

func (FileRequest) Kind() RequestKind { return KindFile }

type APNsTokenRequest struct {
	From      int
	APNsToken string
}

func (APNsTokenRequest) Kind() RequestKind { return KindAPNsToken }

type UpdateAvatarRequest struct {
	From, To int
	IsGroup  bool
	Msg      string
}

func (UpdateAvatarRequest) Kind() RequestKind { return KindUpdateAvatar }

// wireRequest is the over-the-wire shape; every field is optional so that
// unknown/missing fields tolerate defaulting per field.
type wireRequest struct {
	Type          *int   `json:"type"`
	From          int    `json:"from"`
	To            int    `json:"to"`
	Name          string `json:"name"`
	Msg           string `json:"msg"`
	MsgType       string `json:"msg_type"`
	IsGroup       bool   `json:"is_group"`
	Timestamp     string `json:"timestamp"`
	FileHash      string `json:"file_hash"`
	FileSuffix    string `json:"file_suffix"`
	Operation     string `json:"operation"`
	APNsToken     string `json:"apns_token"`
	UserAPNsToken string `json:"user_apn_token"`
	Avatar        string `json:"avatar"`
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}

// ParseRequest decodes one JSON frame into a typed Request. Unknown fields
// are tolerated; required fields missing for the frame's kind produce
// ErrMalformedFrame.
func ParseRequest(frame []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	switch RequestKind(*w.Type) {
	case KindLogin:
		if w.From == 0 || w.Name == "" {
			return nil, fmt.Errorf("%w: Login requires from and name", ErrMalformedFrame)
		}
		return LoginRequest{
			From:          w.From,
			Name:          w.Name,
			Timestamp:     parseTimestamp(w.Timestamp),
			UserAPNsToken: w.UserAPNsToken,
		}, nil
	case KindExit:
		return ExitRequest{From: w.From}, nil
	case KindPost:
		if w.From == 0 || w.To == 0 || w.Name == "" || w.Msg == "" || w.MsgType == "" {
			return nil, fmt.Errorf("%w: Post requires from, to, name, msg, msg_type", ErrMalformedFrame)
		}
		return PostRequest{
			From:      w.From,
			To:        w.To,
			Name:      w.Name,
			Msg:       w.Msg,
			MsgType:   w.MsgType,
			IsGroup:   w.IsGroup,
			Timestamp: parseTimestamp(w.Timestamp),
		}, nil
	case KindKey:
		return KeyRequest{From: w.From}, nil
	case KindQueryUser:
		return QueryUserRequest{From: w.From, To: w.To}, nil
	case KindInsertContact:
		return InsertContactRequest{From: w.From, To: w.To}, nil
	case KindQueryGroup:
		return QueryGroupRequest{From: w.From, To: w.To, Msg: w.Msg}, nil
	case KindInsertGroup:
		return InsertGroupRequest{From: w.From, To: w.To, Msg: w.Msg}, nil
	case KindInsertGroupUser:
		return InsertGroupUserRequest{From: w.From, To: w.To}, nil
	case KindFile:
		if w.FileHash == "" || w.FileSuffix == "" || w.Operation == "" {
			return nil, fmt.Errorf("%w: File requires file_hash, file_suffix, operation", ErrMalformedFrame)
		}
		return FileRequest{From: w.From, FileHash: w.FileHash, FileSuffix: w.FileSuffix, Operation: w.Operation}, nil
	case KindAPNsToken:
		if w.APNsToken == "" {
			return nil, fmt.Errorf("%w: APNsToken requires apns_token", ErrMalformedFrame)
		}
		return APNsTokenRequest{From: w.From, APNsToken: w.APNsToken}, nil
	case KindUpdateAvatar:
		if w.Msg == "" {
			return nil, fmt.Errorf("%w: UpdateAvatar requires is_group, msg", ErrMalformedFrame)
		}
		return UpdateAvatarRequest{From: w.From, To: w.To, IsGroup: w.IsGroup, Msg: w.Msg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, *w.Type)
	}
}

// ResponseKind identifies the outbound message tag.
type ResponseKind int

const (
	RespRefused ResponseKind = iota
	RespServer
	RespPost
	RespFile
	RespWarn
	RespPubKey
	RespUserInfo
	RespGroupInfo
)

// Response is the outbound wire record. Optional fields are pointers so
// that the §3 emission rule ("include only when set") is expressed
// directly via omitempty rather than sentinel zero values.
type Response struct {
	Kind      ResponseKind
	Timestamp time.Time
	Msg       *string
	From      *int
	To        *int
	IsGroup   *bool
	Name      *string
	Content   *string
	MsgType   *string
	FileOp    *string
}

type wireResponse struct {
	Type      int     `json:"type"`
	Timestamp string  `json:"timestamp"`
	Msg       *string `json:"msg,omitempty"`
	From      *int    `json:"from,omitempty"`
	To        *int    `json:"to,omitempty"`
	IsGroup   *bool   `json:"is_group,omitempty"`
	Name      *string `json:"name,omitempty"`
	Content   *string `json:"content,omitempty"`
	MsgType   *string `json:"msg_type,omitempty"`
	FileOp    *string `json:"file_op,omitempty"`
}

// MarshalJSON implements the §3 emission rule: type+timestamp always,
// msg unless Refused, everything else only when set.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{
		Type:      int(r.Kind),
		Timestamp: r.Timestamp.Format(timeLayout),
		From:      r.From,
		To:        r.To,
		IsGroup:   r.IsGroup,
		Name:      r.Name,
		Content:   r.Content,
		MsgType:   r.MsgType,
		FileOp:    r.FileOp,
	}
	if r.Kind != RespRefused {
		w.Msg = r.Msg
	}
	return json.Marshal(w)
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }
func boolp(b bool) *bool    { return &b }

// Server builds a plain informational response ("Welcome...", "Goodbye!").
func Server(msg string) Response {
	return Response{Kind: RespServer, Timestamp: time.Now(), Msg: strp(msg)}
}

// Refused builds a bare refusal with no message body.
func Refused() Response {
	return Response{Kind: RespRefused, Timestamp: time.Now()}
}

// Warn builds a warning response.
func Warn(msg string) Response {
	return Response{Kind: RespWarn, Timestamp: time.Now(), Msg: strp(msg)}
}

// UserInfo builds a user lookup reply. nameDotAvatar retains the
// "name.avatar" single-string wire encoding for protocol compatibility.
func UserInfo(id int, nameDotAvatar string) Response {
	return Response{
		Kind:      RespUserInfo,
		Timestamp: time.Now(),
		Msg:       strp(nameDotAvatar),
		To:        intp(id),
		From:      intp(0),
	}
}

// GroupInfo builds a group lookup reply. duringAdd selects from=-1 to mark
// a pre-create probe rather than a post-create broadcast.
func GroupInfo(id int, nameDotAvatar string, duringAdd bool) Response {
	from := 0
	if duringAdd {
		from = -1
	}
	return Response{
		Kind:      RespGroupInfo,
		Timestamp: time.Now(),
		Msg:       strp(nameDotAvatar),
		To:        intp(id),
		From:      intp(from),
	}
}

// Upload builds a presigned-upload-URL reply.
func Upload(fileName, url string) Response {
	return Response{
		Kind:      RespFile,
		Timestamp: time.Now(),
		Msg:       strp(fileName),
		Content:   strp(url),
		FileOp:    strp("upload"),
	}
}

// Download builds a presigned-download-URL reply.
func Download(fileName, url string) Response {
	return Response{
		Kind:      RespFile,
		Timestamp: time.Now(),
		Msg:       strp(fileName),
		Content:   strp(url),
		FileOp:    strp("download"),
	}
}

// Post builds a chat message response carrying the full set of routing
// fields; used both for live delivery and for replaying sync rows.
func Post(from, to int, name, msg, msgType string, isGroup bool, ts time.Time) Response {
	return Response{
		Kind:      RespPost,
		Timestamp: ts,
		Msg:       strp(msg),
		From:      intp(from),
		To:        intp(to),
		IsGroup:   boolp(isGroup),
		Name:      strp(name),
		MsgType:   strp(msgType),
	}
}

// Hello builds a system-originated Post response that materialises a
// contact or group relationship as a timeline event, carrying msg as its
// body (defaulting callers should pass "Hello"; InsertGroupUser sends
// "Hi", InsertGroup sends the group name). Unlike the parse-time model
// it replaces, this constructor does not persist anything itself —
// callers persist explicitly via the dispatcher's sendHello action.
func Hello(fromUserID, toID int, fromUserName, msg string, isGroup bool) Response {
	return Response{
		Kind:      RespPost,
		Timestamp: time.Now(),
		Msg:       strp(msg),
		From:      intp(fromUserID),
		To:        intp(toID),
		IsGroup:   boolp(isGroup),
		Name:      strp(fromUserName),
	}
}
