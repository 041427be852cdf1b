package wire

import "time"

// Shared protocol limits. Both endpoints and the validator use these; the
// values must stay in sync with what connected clients enforce locally.
const (
	// DefaultChatTitle is the title given to a chat before auto-titling.
	DefaultChatTitle = "New Chat"

	// MaxFrameSize is the ceiling on a single websocket frame. Frames larger
	// than this are rejected before any parse attempt.
	MaxFrameSize = 16 << 20

	// MaxMessageLength bounds one text content block, in characters.
	MaxMessageLength = 100_000

	// MaxImageSize bounds the decoded size of one inline image.
	MaxImageSize = 10 << 20

	// MaxFileSearchQueryLength bounds a file-search query.
	MaxFileSearchQueryLength = 500

	// MaxFileSearchResults caps the results relayed for one search.
	MaxFileSearchResults = 50

	// HeartbeatInterval is how often a producer client sends a heartbeat.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatTimeout is how long the server tolerates heartbeat silence
	// before treating the producer as dead.
	HeartbeatTimeout = 90 * time.Second

	// SweepInterval is how often the server scans producers for timeouts.
	SweepInterval = 15 * time.Second
)

// AllowedImageTypes is the mime allow-list for inline image blocks.
var AllowedImageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
}

func imageTypeAllowed(mime string) bool {
	for _, t := range AllowedImageTypes {
		if t == mime {
			return true
		}
	}
	return false
}
