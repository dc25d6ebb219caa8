package webpush

import (
	"errors"
	"sync"
)

// VAPIDHandle holds the process-wide VAPID signing details. The first
// successful initialization wins; re-initialization is a no-op returning
// the same handle.
type VAPIDHandle struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

var (
	vapidMu     sync.Mutex
	vapidHandle *VAPIDHandle
)

// InitVAPID sets the process-wide VAPID details on first call and returns
// the existing handle afterwards. All three fields are required on the
// initializing call.
func InitVAPID(publicKey, privateKey, contactEmail string) (*VAPIDHandle, error) {
	vapidMu.Lock()
	defer vapidMu.Unlock()

	if vapidHandle != nil {
		return vapidHandle, nil
	}

	if publicKey == "" || privateKey == "" || contactEmail == "" {
		return nil, errors.New("webpush adapter: VAPID public key, private key and contact email are required")
	}

	vapidHandle = &VAPIDHandle{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Subscriber: contactEmail,
	}
	return vapidHandle, nil
}

// resetVAPID clears the process-wide handle. Test use only.
func resetVAPID() {
	vapidMu.Lock()
	defer vapidMu.Unlock()
	vapidHandle = nil
}
