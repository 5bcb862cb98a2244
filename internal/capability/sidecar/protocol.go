package sidecar

import (
	"encoding/json"
	"fmt"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
)

// Wire protocol with the helper process: one JSON object per line.
//
//	-> {"id":1,"method":"initialize","params":{...}}
//	<- {"id":1,"result":{...}}            response
//	<- {"id":1,"error":"..."}             failed response
//	<- {"event":"qr","data":"2@..."}      lifecycle event
const (
	methodInitialize        = "initialize"
	methodDestroy           = "destroy"
	methodLogout            = "logout"
	methodProfilePictureURL = "profile_picture_url"
	methodSendMessage       = "send_message"
	methodListGroups        = "list_groups"
)

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type initializeParams struct {
	ClientID           string   `json:"clientId"`
	DataDir            string   `json:"dataDir,omitempty"`
	Headless           bool     `json:"headless"`
	Args               []string `json:"args,omitempty"`
	RemoteDebuggingURL string   `json:"remoteDebuggingUrl,omitempty"`
	TimeoutMs          int64    `json:"timeoutMs,omitempty"`
}

type sendMessageParams struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// message is either a response (ID set, Event empty) or an event.
type message struct {
	ID       int64            `json:"id,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Event    string           `json:"event,omitempty"`
	Data     string           `json:"data,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Identity *domain.Identity `json:"identity,omitempty"`
}

func (m message) isEvent() bool {
	return m.Event != ""
}

func parseMessage(line []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return message{}, fmt.Errorf("decode helper message: %w", err)
	}
	if !msg.isEvent() && msg.ID == 0 {
		return message{}, fmt.Errorf("helper message has neither id nor event")
	}
	return msg, nil
}

// toEvent translates a helper event into a capability event.
func toEvent(msg message) (capability.Event, bool) {
	switch msg.Event {
	case "qr":
		return capability.QR(msg.Data), true
	case "ready":
		return capability.Ready(), true
	case "authenticated":
		return capability.Authenticated(), true
	case "auth_failure":
		return capability.AuthFailure(msg.Reason), true
	case "disconnected":
		return capability.Disconnected(msg.Reason), true
	default:
		return capability.Event{}, false
	}
}
