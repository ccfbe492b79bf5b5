package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"herald/internal/platform"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// fingerprintTextLen bounds how much of the body feeds the digest; identical
// prefixes of this length count as identical content.
const fingerprintTextLen = 256

// Fingerprint digests a (destination, source, content) tuple into the opaque
// key the gate deduplicates on.
//
// The per-call timestamp is not part of the digest; it would make every
// broadcast unique and defeat dedup entirely. For same-platform broadcasts a
// coarse time bucket (window-sized) is folded in, so an operator can repeat
// the same text in a later bucket while cross-platform relays of one
// original event always merge.
func Fingerprint(dest platform.ID, c Content, now time.Time, window time.Duration) string {
	src := c.SourcePlatform
	if src == "" {
		src = dest
	}

	h := sha256.New()
	writeField(h, string(dest))
	writeField(h, string(src))
	writeField(h, string(c.Kind))

	text := c.Text
	if len(text) > fingerprintTextLen {
		text = text[:fingerprintTextLen]
	}
	writeField(h, text)
	writeField(h, c.FileID)
	if c.Forward != nil {
		writeField(h, c.Forward.FromChatID)
		writeField(h, c.Forward.MessageID)
	}

	if src == dest && window > 0 {
		writeField(h, now.Truncate(window).UTC().Format(time.RFC3339))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, s string) {
	_, _ = io.WriteString(w, s)
	_, _ = w.Write([]byte{0})
}

// Gate is the deduplication gate. Admission is an atomic windowed unique
// insert in the store. When the store is unreachable the gate fails open:
// delivery availability wins over strict dedup.
type Gate struct {
	store  store.DedupStore
	window time.Duration
	log    logx.Logger
	now    func() time.Time
}

func NewGate(st store.DedupStore, window time.Duration, log logx.Logger) *Gate {
	if window <= 0 {
		window = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: st, window: window, log: log, now: time.Now}
}

// Admit reports whether a dispatch with this fingerprint may proceed.
// A false return means an identical fingerprint was accepted within the
// trailing window and the caller must perform no sends.
func (g *Gate) Admit(ctx context.Context, fp string) bool {
	if g.store == nil {
		return true
	}
	ok, err := g.store.AdmitFingerprint(ctx, fp, g.now(), g.window)
	if err != nil {
		g.log.Warn("dedup store unavailable; failing open", logx.Err(err))
		return true
	}
	return ok
}

// Window returns the configured trailing dedup window.
func (g *Gate) Window() time.Duration { return g.window }
