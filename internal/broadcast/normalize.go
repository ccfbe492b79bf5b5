package broadcast

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"herald/internal/platform"
)

// Platform-side message limits. These match the Bot-API family the supported
// platforms all descend from.
const (
	maxTextLen    = 4096
	maxCaptionLen = 1024
)

// documentExts is the allowlist for broadcast document attachments.
var documentExts = map[string]bool{
	".pdf": true, ".zip": true, ".rar": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".csv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".mp3": true, ".mp4": true, ".apk": true,
}

var errNoText = errors.New("text content is empty")

// Normalize maps operator content into a platform-ready payload. It is
// called once per target platform, not once per recipient; the dispatcher
// caches the result for the whole fan-out.
func Normalize(c Content, dest platform.ID) (platform.Payload, error) {
	_ = dest // payload shape is identical across the Bot-API family today
	switch c.Kind {
	case platform.PayloadText, "":
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return platform.Payload{}, errNoText
		}
		if utf8.RuneCountInString(text) > maxTextLen {
			return platform.Payload{}, fmt.Errorf("text exceeds %d characters", maxTextLen)
		}
		return platform.Payload{Kind: platform.PayloadText, Text: text}, nil

	case platform.PayloadPhoto, platform.PayloadVideo:
		if c.FileID == "" {
			return platform.Payload{}, fmt.Errorf("%s content requires a file id", c.Kind)
		}
		if utf8.RuneCountInString(c.Text) > maxCaptionLen {
			return platform.Payload{}, fmt.Errorf("caption exceeds %d characters", maxCaptionLen)
		}
		return platform.Payload{Kind: c.Kind, FileID: c.FileID, Caption: c.Text}, nil

	case platform.PayloadDocument:
		if c.FileID == "" {
			return platform.Payload{}, errors.New("document content requires a file id")
		}
		if c.FileName != "" {
			ext := strings.ToLower(filepath.Ext(c.FileName))
			if !documentExts[ext] {
				return platform.Payload{}, fmt.Errorf("document extension %q not allowed", ext)
			}
		}
		if utf8.RuneCountInString(c.Text) > maxCaptionLen {
			return platform.Payload{}, fmt.Errorf("caption exceeds %d characters", maxCaptionLen)
		}
		return platform.Payload{Kind: platform.PayloadDocument, FileID: c.FileID, Caption: c.Text}, nil

	case platform.PayloadForward:
		if c.Forward == nil || c.Forward.FromChatID == "" || c.Forward.MessageID == "" {
			return platform.Payload{}, errors.New("forward content requires a source message reference")
		}
		return platform.Payload{Kind: platform.PayloadForward, Forward: c.Forward}, nil

	default:
		return platform.Payload{}, fmt.Errorf("unknown content kind %q", c.Kind)
	}
}

// Preview returns a short human-readable summary stored on the batch row.
func Preview(c Content, n int) string {
	if n <= 0 {
		n = 64
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		switch c.Kind {
		case platform.PayloadForward:
			text = "(forwarded message)"
		case "":
			text = "(empty)"
		default:
			text = "(" + string(c.Kind) + ")"
		}
	}
	runes := []rune(text)
	if len(runes) > n {
		return string(runes[:n-1]) + "…"
	}
	return text
}
