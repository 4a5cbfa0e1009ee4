// Package hsm wraps the signing device used to endorse checkpoint blocks.
// The handle is created once at process startup via Init and passed
// explicitly into every component that needs to sign; nothing in this
// package is reached through a package-level global.
package hsm

import (
	"github.com/cometbft/cometbft/crypto/ed25519"

	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/config"
)

// Handle is the live connection to a signing device, obtained from Init
// and released with Shutdown. Callers must not use it after Shutdown.
type Handle interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
	Shutdown() error
}

// mockHandle signs with an in-process ed25519 key. Used when
// HSMConfig.Provider is "mock" (the default for local development and
// tests); a real deployment points Provider at "pkcs11" and talks to an
// actual device through the same interface.
type mockHandle struct {
	priv ed25519.PrivKey
}

// Init builds a Handle from configuration. The caller owns the returned
// Handle's lifecycle: use it for signing, then call Shutdown exactly once.
func Init(cfg config.HSMConfig) (Handle, error) {
	switch cfg.Provider {
	case "", "mock":
		return &mockHandle{priv: ed25519.GenPrivKey()}, nil
	case "pkcs11":
		// A real deployment would dial cfg.Endpoint and load cfg.KeyLabel
		// through a PKCS#11 session here. Left unimplemented: no PKCS#11
		// device is reachable in this environment.
		return nil, clearingerrors.Wrap(clearingerrors.ErrInternal, "pkcs11 provider not configured in this build")
	default:
		return nil, clearingerrors.Wrap(clearingerrors.ErrInvalidInput, "unknown HSM provider "+cfg.Provider)
	}
}

func (h *mockHandle) Sign(message []byte) ([]byte, error) {
	return h.priv.Sign(message)
}

func (h *mockHandle) PublicKey() []byte {
	return h.priv.PubKey().Bytes()
}

func (h *mockHandle) Shutdown() error {
	return nil
}
