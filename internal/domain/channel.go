package domain

import "context"

// Sender is the outbound half of a platform adapter. SendText and SendMedia
// return the native id the platform assigned to the delivered message.
type Sender interface {
	Platform() Platform
	SendText(ctx context.Context, text string, replyTo string) (string, error)
	SendMedia(ctx context.Context, localPath string, kind MediaKind, caption string) (string, error)
	DeleteMessage(ctx context.Context, nativeID string) error
}
