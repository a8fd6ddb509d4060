package session

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in the hi handshake.
const ProtocolVersion = "0.22"

type clientMessage struct {
	Hi    *msgHi    `json:"hi,omitempty"`
	Sub   *msgSub   `json:"sub,omitempty"`
	Leave *msgLeave `json:"leave,omitempty"`
	Pub   *msgPub   `json:"pub,omitempty"`
	Note  *msgNote  `json:"note,omitempty"`
}

type msgHi struct {
	ID        string `json:"id"`
	Version   string `json:"ver"`
	UserAgent string `json:"ua,omitempty"`
}

type msgSub struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type msgLeave struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type msgPub struct {
	ID      string            `json:"id"`
	Topic   string            `json:"topic"`
	NoEcho  bool              `json:"noecho,omitempty"`
	Head    map[string]string `json:"head,omitempty"`
	Content any               `json:"content"`
}

type msgNote struct {
	Topic string `json:"topic"`
	What  string `json:"what"`
}

type serverMessage struct {
	Ctrl *msgCtrl        `json:"ctrl,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Pres json.RawMessage `json:"pres,omitempty"`
	Info json.RawMessage `json:"info,omitempty"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

type msgCtrl struct {
	ID     string          `json:"id,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Code   int             `json:"code"`
	Text   string          `json:"text,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CtrlError is a ctrl reply with a non-success code.
type CtrlError struct {
	Code int
	Text string
}

func (e *CtrlError) Error() string {
	return fmt.Sprintf("server replied %d %s", e.Code, e.Text)
}

func (e *CtrlError) Unwrap() error {
	return ErrRejected
}
