package broadcast

import (
	"time"

	"herald/internal/platform"
)

// Config tunes the dispatcher. Defaults are conservative: per-platform
// send concurrency stays single-digit to respect platform rate limits.
type Config struct {
	Workers     int           // per-platform send workers (default 4)
	RatePerSec  int           // token bucket refill (default 10)
	RetryMax    int           // transient retries per send (default 2)
	RetryBase   time.Duration // backoff base between transient retries (default 300ms)
	DedupWindow time.Duration // trailing dedup window (default 60s)
	PreviewLen  int           // batch preview length (default 64)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 300 * time.Millisecond
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 60 * time.Second
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = 64
	}
	return c
}

// Content is the operator-authored message before normalization.
type Content struct {
	Kind     platform.PayloadKind
	Text     string // message body, or caption for media kinds
	FileID   string // platform-native media/document handle
	FileName string // original file name, checked against the extension allowlist

	// SourcePlatform is the platform the content originated from. Empty
	// means native (originated here); it then equals the destination for
	// fingerprinting purposes.
	SourcePlatform platform.ID

	Forward *platform.ForwardRef
}

// Request describes one dispatch invocation. A multi-scope request is one
// broadcast over the union of its scopes, admitted through the dedup gate
// once per platform.
type Request struct {
	Content   Content
	Scopes    []string // "all" | "private"|"group"|"channel" | "tag:<label>"; empty means all
	Platforms []platform.ID

	// PinFirst pins the first successfully delivered copy on each platform.
	PinFirst bool
}

// Result aggregates a dispatch outcome. Failed recipients are absorbed here,
// never propagated as errors.
type Result struct {
	Sent    int
	Failed  int
	BatchID string

	// Deduped is set when every target platform was rejected by the dedup
	// gate: the dispatch was suppressed as a duplicate and no batch exists.
	Deduped bool
}
