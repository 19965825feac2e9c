package events

import (
	"fmt"

	"wainbox/internal/models"
)

// Content is the classified body of a message event.
type Content struct {
	Type     string
	Text     string
	FileName string
	// Media is the type-specific sub-object for media kinds, kept as a map
	// for attribute extraction; nil for non-media kinds.
	Media map[string]interface{}
}

// messageKeys maps the type-specific sub-object key to the internal message
// type, checked in order.
var messageKeys = []struct {
	key  string
	kind string
}{
	{"imageMessage", models.TypeImage},
	{"videoMessage", models.TypeVideo},
	{"audioMessage", models.TypeAudio},
	{"documentMessage", models.TypeDocument},
	{"stickerMessage", models.TypeSticker},
	{"locationMessage", models.TypeLocation},
	{"contactMessage", models.TypeContact},
}

// IsMediaType reports whether a message type carries a binary attachment.
func IsMediaType(kind string) bool {
	switch kind {
	case models.TypeImage, models.TypeVideo, models.TypeAudio, models.TypeDocument, models.TypeSticker:
		return true
	}
	return false
}

// ClassifyContent inspects a raw message body and returns its internal type
// plus the extracted text and media sub-object. Unknown shapes degrade to an
// empty text message rather than failing.
func ClassifyContent(message map[string]interface{}) Content {
	if message == nil {
		return Content{Type: models.TypeText}
	}

	if text, ok := message["conversation"].(string); ok && text != "" {
		return Content{Type: models.TypeText, Text: text}
	}
	if ext, ok := message["extendedTextMessage"].(map[string]interface{}); ok {
		text, _ := ext["text"].(string)
		kind := models.TypeText
		if matched, _ := ext["matchedText"].(string); matched != "" {
			kind = models.TypeLink
		}
		return Content{Type: kind, Text: text}
	}

	for _, mk := range messageKeys {
		sub, ok := message[mk.key].(map[string]interface{})
		if !ok {
			continue
		}
		c := Content{Type: mk.kind, Media: sub}
		if caption, ok := sub["caption"].(string); ok {
			c.Text = caption
		}
		switch mk.kind {
		case models.TypeDocument:
			if name, ok := sub["fileName"].(string); ok {
				c.FileName = name
			}
			if c.Text == "" {
				c.Text = c.FileName
			}
		case models.TypeLocation:
			lat, _ := sub["degreesLatitude"].(float64)
			lng, _ := sub["degreesLongitude"].(float64)
			c.Text = fmt.Sprintf("%f,%f", lat, lng)
			c.Media = nil
		case models.TypeContact:
			if name, ok := sub["displayName"].(string); ok {
				c.Text = name
			}
			c.Media = nil
		}
		return c
	}

	return Content{Type: models.TypeText}
}
