package protocol

// ActionType tags one desktop action.
type ActionType string

const (
	ActionWindowCreate        ActionType = "window.create"
	ActionWindowClose         ActionType = "window.close"
	ActionWindowSetTitle      ActionType = "window.setTitle"
	ActionWindowSetContent    ActionType = "window.setContent"
	ActionWindowUpdateContent ActionType = "window.updateContent"
	ActionWindowMove          ActionType = "window.move"
	ActionWindowResize        ActionType = "window.resize"
	ActionWindowMinimize      ActionType = "window.minimize"
	ActionWindowMaximize      ActionType = "window.maximize"
	ActionWindowRestore       ActionType = "window.restore"
	ActionWindowFocus         ActionType = "window.focus"
	ActionWindowLock          ActionType = "window.lock"
	ActionWindowUnlock        ActionType = "window.unlock"

	ActionNotificationShow    ActionType = "notification.show"
	ActionNotificationDismiss ActionType = "notification.dismiss"
	ActionToastShow           ActionType = "toast.show"
	ActionToastDismiss        ActionType = "toast.dismiss"
	ActionDialogConfirm       ActionType = "dialog.confirm"
)

// IsWindowAction reports whether the type mutates window state server-side.
func (t ActionType) IsWindowAction() bool {
	switch t {
	case ActionWindowCreate, ActionWindowClose, ActionWindowSetTitle,
		ActionWindowSetContent, ActionWindowUpdateContent, ActionWindowMove,
		ActionWindowResize, ActionWindowMinimize, ActionWindowMaximize,
		ActionWindowRestore, ActionWindowFocus, ActionWindowLock,
		ActionWindowUnlock:
		return true
	}
	return false
}

// Content update operations for window.updateContent.
const (
	OpAppend   = "append"
	OpPrepend  = "prepend"
	OpReplace  = "replace"
	OpInsertAt = "insertAt"
	OpClear    = "clear"
)

// Bounds is a window rectangle in desktop pixels.
type Bounds struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// WindowContent is what a window renders: the renderer name plus its data,
// which is a string for text renderers and structured JSON otherwise.
type WindowContent struct {
	Renderer string      `json:"renderer,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// ContentOperation describes one window.updateContent mutation.
type ContentOperation struct {
	Op       string      `json:"op"`
	Data     interface{} `json:"data,omitempty"`
	Position *int        `json:"position,omitempty"`
}

// Action is one tagged desktop operation. window.* actions carry WindowID;
// notification, toast and dialog actions pass through to the client without
// touching server state.
type Action struct {
	Type     ActionType `json:"type"`
	WindowID string     `json:"windowId,omitempty"`

	// window.create / window.setTitle
	Title string `json:"title,omitempty"`

	// window.create
	Bounds *Bounds `json:"bounds,omitempty"`

	// window.create / window.setContent
	Content *WindowContent `json:"content,omitempty"`

	// window.updateContent
	Renderer  string            `json:"renderer,omitempty"`
	Operation *ContentOperation `json:"operation,omitempty"`

	// window.move / window.resize
	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`
	W *int `json:"w,omitempty"`
	H *int `json:"h,omitempty"`

	// window.lock / window.unlock
	AgentID string `json:"agentId,omitempty"`

	// notification.* / toast.* / dialog.confirm passthrough
	ID           string `json:"id,omitempty"`
	Message      string `json:"message,omitempty"`
	Variant      string `json:"variant,omitempty"`
	DurationMs   int    `json:"durationMs,omitempty"`
	DialogID     string `json:"dialogId,omitempty"`
	ConfirmLabel string `json:"confirmLabel,omitempty"`
	CancelLabel  string `json:"cancelLabel,omitempty"`
}

// NewWindowCreate builds a window.create action.
func NewWindowCreate(windowID, title string, bounds Bounds, content *WindowContent) Action {
	return Action{
		Type:     ActionWindowCreate,
		WindowID: windowID,
		Title:    title,
		Bounds:   &bounds,
		Content:  content,
	}
}

// NewWindowClose builds a window.close action.
func NewWindowClose(windowID string) Action {
	return Action{Type: ActionWindowClose, WindowID: windowID}
}

// NewWindowLock builds a window.lock action naming the owning agent.
func NewWindowLock(windowID, agentID string) Action {
	return Action{Type: ActionWindowLock, WindowID: windowID, AgentID: agentID}
}

// NewWindowUnlock builds a window.unlock action. The agentID must match the
// current lock owner for the registry to accept it.
func NewWindowUnlock(windowID, agentID string) Action {
	return Action{Type: ActionWindowUnlock, WindowID: windowID, AgentID: agentID}
}

// NewToast builds a toast.show action.
func NewToast(id, message, variant string) Action {
	return Action{Type: ActionToastShow, ID: id, Message: message, Variant: variant}
}

// Summary renders a one-line description used in interaction timelines and
// transcripts.
func (a Action) Summary() string {
	switch a.Type {
	case ActionWindowCreate:
		return string(a.Type) + " " + a.WindowID + " (" + a.Title + ")"
	case ActionToastShow, ActionNotificationShow:
		return string(a.Type) + ": " + a.Message
	case ActionDialogConfirm:
		return string(a.Type) + ": " + a.Message
	default:
		if a.WindowID != "" {
			return string(a.Type) + " " + a.WindowID
		}
		return string(a.Type)
	}
}
