package firebase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// The SDK handle is process-wide: the first successful initialization wins
// and later calls attach to it regardless of their credentials.
var (
	initMu       sync.Mutex
	globalClient client
)

// initClient returns the shared messaging client, initializing the SDK on
// first use.
func initClient(ctx context.Context, config Config) (client, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if globalClient != nil {
		return globalClient, nil
	}

	if config.CredentialsFile == "" && len(config.CredentialsJSON) == 0 {
		return nil, errors.New("firebase adapter: credentials file or JSON is required")
	}

	var opts []option.ClientOption
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase adapter: initialize app: %w", err)
	}

	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase adapter: initialize messaging: %w", err)
	}

	globalClient = messagingClient
	return globalClient, nil
}

// resetInit clears the process-wide handle. Test use only.
func resetInit() {
	initMu.Lock()
	defer initMu.Unlock()
	globalClient = nil
}
