package domain

import "encoding/json"

// Meta is the per-recipient message content. It is a tagged union over the
// supported channels: exactly the variant matching the job's channel is
// consulted, the rest stay nil and are omitted from the wire form.
type Meta struct {
	Email    *EmailMeta    `json:"email,omitempty"`
	Push     *PushMeta     `json:"push,omitempty"`
	Telegram *TelegramMeta `json:"telegram,omitempty"`
	WebPush  *WebPushMeta  `json:"webPush,omitempty"`
}

// IsEmpty reports whether no variant is set.
func (m Meta) IsEmpty() bool {
	return m.Email == nil && m.Push == nil && m.Telegram == nil && m.WebPush == nil
}

// EmailMeta describes one transactional email.
type EmailMeta struct {
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an email attachment. Content is base64-encoded on the wire.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content"`
}

// PushMeta describes one mobile push message. Android, APNS, Webpush and
// FCMOptions are passed through to the transport untouched.
type PushMeta struct {
	Title      string            `json:"title,omitempty"`
	Body       string            `json:"body,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Android    json.RawMessage   `json:"android,omitempty"`
	APNS       json.RawMessage   `json:"apns,omitempty"`
	Webpush    json.RawMessage   `json:"webpush,omitempty"`
	FCMOptions json.RawMessage   `json:"fcmOptions,omitempty"`
}

// TelegramMeta describes one chat message.
type TelegramMeta struct {
	Text                string `json:"text"`
	ParseMode           string `json:"parseMode,omitempty"`
	DisableWebPreview   bool   `json:"disableWebPreview,omitempty"`
	DisableNotification bool   `json:"disableNotification,omitempty"`
}

// WebPushMeta describes one browser push message.
type WebPushMeta struct {
	Title   string            `json:"title,omitempty"`
	Body    string            `json:"body,omitempty"`
	Icon    string            `json:"icon,omitempty"`
	Image   string            `json:"image,omitempty"`
	Badge   string            `json:"badge,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	TTL     int               `json:"ttl,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}
