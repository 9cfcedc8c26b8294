// Package view holds the viewer's UI state: the detection status line, the
// toggle, the analyze button, the result panel, the selection overlay and
// the capture preview. The state is mutated on the event loop only and
// published to subscribers as immutable snapshots.
package view

import "time"

// Texts shown by the viewer.
const (
	StatusConnecting = "Connecting..."
	StatusActive     = "Detection Active"
	StatusOffline    = "Detection Offline"
	StatusDisabled   = "Détection désactivée"

	PromptInitial   = "Activez la détection pour identifier les oiseaux"
	PromptIdle      = `Cliquer sur "Identifier un oiseau" pour tenter de trouver leur nom`
	PromptAnalyzing = "Analyse en cours..."
	PromptNoBirds   = "Aucun oiseau trouvé"

	ButtonIdle      = "📷 Identifier un oiseau"
	ButtonAnalyzing = "🔄 Analyse en cours..."

	UnknownSpecies = "Inconnu"

	AlertNotConnected = "Detection service is not connected"
)

// StatusClass styles the status line.
type StatusClass string

const (
	StatusClassConnecting StatusClass = "connecting"
	StatusClassActive     StatusClass = "active"
	StatusClassInactive   StatusClass = "inactive"
)

// PanelKind tells which content the result panel shows.
type PanelKind string

const (
	PanelMessage   PanelKind = "message"
	PanelAnalyzing PanelKind = "analyzing"
	PanelError     PanelKind = "error"
	PanelEmpty     PanelKind = "empty"
	PanelBirds     PanelKind = "birds"
)

// Confidence is the normalized confidence tier.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// BirdEntry is one species group in the result panel.
type BirdEntry struct {
	Label          string     `json:"label"` // "Mésange" or "2 Mésanges"
	Species        string     `json:"species"`
	Count          int        `json:"count"`
	ScientificName string     `json:"scientific_name,omitempty"`
	Confidence     Confidence `json:"confidence"`
	Badge          string     `json:"badge"`
	Locations      []string   `json:"locations,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// Panel is the content of the result panel.
type Panel struct {
	Kind          PanelKind   `json:"kind"`
	Message       string      `json:"message,omitempty"`
	RawResponse   string      `json:"raw_response,omitempty"`
	LastCheck     string      `json:"last_check,omitempty"`
	Birds         []BirdEntry `json:"birds,omitempty"`
	CapturedImage string      `json:"captured_image,omitempty"`
	Resettable    bool        `json:"resettable,omitempty"`
}

// Button is the analyze button.
type Button struct {
	Label     string `json:"label"`
	Disabled  bool   `json:"disabled"`
	Analyzing bool   `json:"analyzing"`
}

// Rect is a rectangle in snapshot pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Overlay is the region selection overlay.
type Overlay struct {
	Visible       bool   `json:"visible"`
	FrameWidth    int    `json:"frame_width,omitempty"`
	FrameHeight   int    `json:"frame_height,omitempty"`
	Selection     *Rect  `json:"selection,omitempty"`
	Drag          *Rect  `json:"drag,omitempty"`
	SubmitEnabled bool   `json:"submit_enabled"`
	SessionID     string `json:"session_id,omitempty"`
}

// Preview is the screenshot preview with its countdown.
type Preview struct {
	Visible   bool   `json:"visible"`
	Remaining int    `json:"remaining_seconds,omitempty"`
	CaptureID string `json:"capture_id,omitempty"`
}

// Connection mirrors the channel and stream health.
type Connection struct {
	Detection     string `json:"detection"`
	Screenshot    string `json:"screenshot"`
	StreamPlaying bool   `json:"stream_playing"`
	StreamRetry   bool   `json:"stream_retrying"`
	Reconnecting  bool   `json:"reconnecting"`
}

// State is a full snapshot of the UI.
type State struct {
	Status        string      `json:"status"`
	StatusClass   StatusClass `json:"status_class"`
	ToggleEnabled bool        `json:"toggle_enabled"`
	ToggleChecked bool        `json:"toggle_checked"`
	UIVisible     bool        `json:"ui_visible"`
	Button        Button      `json:"button"`
	Panel         Panel       `json:"panel"`
	Overlay       Overlay     `json:"overlay"`
	Preview       Preview     `json:"preview"`
	Connection    Connection  `json:"connection"`
	Version       uint64      `json:"version"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Initial is the state before anything is connected: detection is off and
// cannot be turned on until the service answers.
func Initial() State {
	return State{
		Status:      StatusConnecting,
		StatusClass: StatusClassConnecting,
		Button:      IdleButton(),
		Panel:       Message(PromptInitial),
		Connection: Connection{
			Detection:  "closed",
			Screenshot: "closed",
		},
	}
}

// IdleButton is the analyze button at rest.
func IdleButton() Button {
	return Button{Label: ButtonIdle}
}

// AnalyzingButton is the analyze button while a request is pending.
func AnalyzingButton() Button {
	return Button{Label: ButtonAnalyzing, Disabled: true, Analyzing: true}
}

// Message is a panel showing a single line.
func Message(text string) Panel {
	return Panel{Kind: PanelMessage, Message: text}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.Panel.Birds != nil {
		out.Panel.Birds = make([]BirdEntry, len(s.Panel.Birds))
		for i, b := range s.Panel.Birds {
			b.Locations = append([]string(nil), b.Locations...)
			out.Panel.Birds[i] = b
		}
	}
	if s.Overlay.Selection != nil {
		sel := *s.Overlay.Selection
		out.Overlay.Selection = &sel
	}
	if s.Overlay.Drag != nil {
		drag := *s.Overlay.Drag
		out.Overlay.Drag = &drag
	}
	return out
}
