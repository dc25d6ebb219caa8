// Package channels contains the channel adapter contract, the process-wide
// adapter registry and the batch sender shared by all adapters.
package channels

import (
	"context"
	"log/slog"

	"github.com/bissquit/notify-fanout/internal/domain"
)

// Adapter translates a batch of (recipient, meta) pairs into outbound
// transport calls, one per recipient, and returns index-aligned results.
// Implementations never return an error: every per-recipient outcome is a
// Result.
type Adapter interface {
	Name() string
	Send(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger) []domain.Result
}

// SendOne performs a single send. The index is the recipient's position in
// the batch, used only for synthetic placeholder recipients.
type SendOne func(ctx context.Context, index int, recipient string, meta domain.Meta, logger *slog.Logger) domain.Result
