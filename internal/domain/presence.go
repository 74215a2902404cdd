package domain

import "time"

// Tool identifies the drawing tool a participant currently holds.
type Tool string

const (
	ToolSelect     Tool = "select"
	ToolPen        Tool = "pen"
	ToolRectangle  Tool = "rectangle"
	ToolEraser     Tool = "eraser"
	ToolText       Tool = "text"
	ToolStickyNote Tool = "sticky-note"
)

// Sender is the outbound half of a participant's connection. Send must not
// block: implementations enqueue into a bounded outbox and drop the event
// when the peer cannot keep up.
type Sender interface {
	Send(event Event)
}

// Participant is the ephemeral per-connection record of one joined user.
// It exists only while the user is connected to the session.
type Participant struct {
	ID          string
	Conn        Sender
	Tool        Tool
	Color       string
	StrokeWidth float64
	JoinedAt    time.Time
}

// Presence is the shareable view of a Participant: tool state without the
// connection handle. This is what join snapshots and presence events carry.
type Presence struct {
	ID          string    `json:"id"`
	Tool        Tool      `json:"tool"`
	Color       string    `json:"color"`
	StrokeWidth float64   `json:"stroke_width,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PresenceOf strips the connection handle from a Participant.
func PresenceOf(p *Participant) Presence {
	return Presence{
		ID:          p.ID,
		Tool:        p.Tool,
		Color:       p.Color,
		StrokeWidth: p.StrokeWidth,
		JoinedAt:    p.JoinedAt,
	}
}

// Cursor is a participant's last known pointer position. Cursors live
// outside the Participant record: they update far more often and expire on
// their own staleness clock rather than on leave.
type Cursor struct {
	ParticipantID string    `json:"participant_id"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	UpdatedAt     time.Time `json:"updated_at"`
}
