// Package domain contains the core types shared by the producer, queue,
// worker and channel adapters.
package domain

// Channel names understood out of the box. The registry accepts arbitrary
// names, so downstream deployments may add their own.
const (
	ChannelEmail    = "email"
	ChannelFirebase = "firebase"
	ChannelTelegram = "telegram"
	ChannelWebPush  = "web"
)
