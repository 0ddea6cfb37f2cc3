package interactive

import "encoding/json"

// Scene is a named container of controls shown to participants.
type Scene struct {
	SceneID  string    `json:"sceneID"`
	Controls []Control `json:"controls,omitempty"`
}

// Control is a remotely rendered interactive element.
type Control struct {
	ControlID       string          `json:"controlID"`
	Kind            string          `json:"kind,omitempty"`
	Text            string          `json:"text,omitempty"`
	Tooltip         string          `json:"tooltip,omitempty"`
	Cost            int             `json:"cost"`
	Progress        float64         `json:"progress"`
	BackgroundColor string          `json:"backgroundColor,omitempty"`
	TextColor       string          `json:"textColor,omitempty"`
	Disabled        bool            `json:"disabled,omitempty"`
	Position        []GridPlacement `json:"position,omitempty"`
}

// GridPlacement positions a control on one grid size class.
type GridPlacement struct {
	Size   string `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// Participant is a member of the audience connected to the session.
type Participant struct {
	SessionID string `json:"sessionID"`
	UserID    int    `json:"userID"`
	Username  string `json:"username"`
	Level     int    `json:"level"`
	GroupID   string `json:"groupID,omitempty"`
}

// Input describes what a participant did to a control.
type Input struct {
	ControlID string `json:"controlID"`
	Event     string `json:"event"`
	Button    int    `json:"button,omitempty"`
}

// InputEvent is delivered when a participant interacts with a control.
// TransactionID is set when the interaction carries a pending spark charge.
type InputEvent struct {
	ParticipantID string      `json:"participantID"`
	TransactionID string      `json:"transactionID,omitempty"`
	Input         Input       `json:"input"`
	Participant   Participant `json:"-"`
}

// Credentials authenticate a game client against the service.
type Credentials struct {
	AuthToken string
	VersionID int
}

type packet struct {
	Type    string          `json:"type"`
	ID      uint32          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *replyError     `json:"error,omitempty"`
	Discard bool            `json:"discard,omitempty"`
}

type replyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type scenesResult struct {
	Scenes []Scene `json:"scenes"`
}

type controlsParams struct {
	SceneID  string    `json:"sceneID"`
	Controls []Control `json:"controls"`
}

type deleteControlsParams struct {
	SceneID    string   `json:"sceneID"`
	ControlIDs []string `json:"controlIDs"`
}

type captureParams struct {
	TransactionID string `json:"transactionID"`
}

type readyParams struct {
	IsReady bool `json:"isReady"`
}

type participantsParams struct {
	Participants []Participant `json:"participants"`
}
