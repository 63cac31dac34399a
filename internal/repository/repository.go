// Package repository holds the Postgres implementations of the store contracts.
package repository

import "github.com/pixelarcade/chat/internal/store"

var (
	_ store.MessageStore       = (*MessageRepository)(nil)
	_ store.DirectMessageStore = (*DirectMessageRepository)(nil)
	_ store.ProfileStore       = (*ProfileRepository)(nil)
	_ store.ModerationStore    = (*ModerationRepository)(nil)
)
