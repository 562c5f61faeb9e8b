package domain

import "time"

// Platform identifies one side of the relay.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformQQ       Platform = "qq"
)

// Other returns the opposite side of the relay.
func (p Platform) Other() Platform {
	if p == PlatformTelegram {
		return PlatformQQ
	}
	return PlatformTelegram
}

// MessageKind classifies a normalized inbound event.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindMedia   MessageKind = "media"
	KindForward MessageKind = "forward"
	KindDelete  MessageKind = "delete"
)

// MediaKind names the media payload type in platform-neutral terms.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVoice    MediaKind = "voice"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// InboundMessage is a normalized platform event. The adapter constructs it
// once; the engine consumes it exactly once.
type InboundMessage struct {
	Platform   Platform
	NativeID   string
	Kind       MessageKind
	Text       string
	SenderID   string
	SenderName string

	IsReply     bool
	RepliedName string
	RepliedText string

	MediaKind MediaKind
	MediaURL  string // download location on the source platform
	Caption   string

	Forward []ForwardItem

	Timestamp time.Time
}

// ForwardItem is one message inside a forwarded bundle.
type ForwardItem struct {
	SenderName string
	Text       string
}

// OutboundPayload carries everything needed to send (or re-send) one message
// to a destination platform. The retry queue persists it as an opaque blob.
type OutboundPayload struct {
	Platform  Platform    `json:"platform"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	MediaPath string      `json:"mediaPath,omitempty"`
	MediaKind MediaKind   `json:"mediaKind,omitempty"`
	Caption   string      `json:"caption,omitempty"`
}
