package ethree

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethree/client-go/internal/crypto"
	"github.com/ethree/client-go/internal/keystore"
)

// hardenPassword runs the oblivious password transform with the backend.
// The backend never sees the password, and the result cannot be computed
// offline without the backend's key.
func (c *Client) hardenPassword(ctx context.Context, password string) ([]byte, error) {
	blinding, blinded, err := crypto.BlindPassword([]byte(password))
	if err != nil {
		return nil, err
	}
	transformed, err := c.api.TransformPassword(ctx, blinded)
	if err != nil {
		return nil, wrapError(err)
	}
	hardened, err := blinding.Finalize(transformed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return hardened, nil
}

// sealPrivateKey encrypts the local private key under password.
func (c *Client) sealPrivateKey(ctx context.Context, kp *crypto.KeyPair, password string) ([]byte, error) {
	seed, err := kp.PrivateKey.Export()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(seed)

	hardened, err := c.hardenPassword(ctx, password)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(hardened)

	return crypto.SealBackup(hardened, c.identity, seed)
}

// openBackup decrypts a backup blob. Every failure to open it is reported as
// ErrWrongPassword.
func (c *Client) openBackup(ctx context.Context, blob []byte, password string) (*crypto.KeyPair, error) {
	hardened, err := c.hardenPassword(ctx, password)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(hardened)

	seed, err := crypto.OpenBackup(hardened, c.identity, blob)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer wipeBytes(seed)

	kp, err := crypto.ImportPrivateKey(seed)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return kp, nil
}

// BackupPrivateKey stores the local private key on the backend, encrypted
// under a key derived from password. It fails with ErrBackupAlreadyExists
// if a backup is already stored.
func (c *Client) BackupPrivateKey(ctx context.Context, password string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if password == "" {
		return ErrMissingPassword
	}

	release := keystore.Acquire(c.identity)
	defer release()

	kp, err := c.loadKeyPair()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	blob, err := c.sealPrivateKey(ctx, kp, password)
	if err != nil {
		return err
	}
	if err := c.api.PutKeyBackup(ctx, blob, false); err != nil {
		return wrapError(err)
	}

	c.logger.Debug("private key backed up")
	return nil
}

// RestorePrivateKey fetches the key backup, decrypts it with password and
// stores the key on this device.
func (c *Client) RestorePrivateKey(ctx context.Context, password string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if password == "" {
		return ErrMissingPassword
	}

	release := keystore.Acquire(c.identity)
	defer release()

	exists, err := c.keys.Exists()
	if err != nil {
		return err
	}
	if exists {
		return ErrPrivateKeyExists
	}

	blob, err := c.api.GetKeyBackup(ctx)
	if err != nil {
		return wrapError(err)
	}

	kp, err := c.openBackup(ctx, blob, password)
	if err != nil {
		c.logger.Warn("private key restore failed", "error", err)
		return err
	}
	defer kp.Wipe()

	if err := c.keys.Store(kp); err != nil {
		return fmt.Errorf("store private key: %w", err)
	}

	c.logger.Debug("private key restored", "key_fp", kp.PublicKey.Fingerprint())
	return nil
}

// ChangePassword re-encrypts the key backup under newPassword.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if oldPassword == "" || newPassword == "" {
		return ErrMissingPassword
	}

	release := keystore.Acquire(c.identity)
	defer release()

	blob, err := c.api.GetKeyBackup(ctx)
	if err != nil {
		return wrapError(err)
	}

	kp, err := c.openBackup(ctx, blob, oldPassword)
	if err != nil {
		return err
	}
	defer kp.Wipe()

	sealed, err := c.sealPrivateKey(ctx, kp, newPassword)
	if err != nil {
		return err
	}
	if err := c.api.PutKeyBackup(ctx, sealed, true); err != nil {
		return wrapError(err)
	}

	c.logger.Debug("backup password changed")
	return nil
}

// ResetPrivateKeyBackup deletes the key backup from the backend.
func (c *Client) ResetPrivateKeyBackup(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if err := c.api.DeleteKeyBackup(ctx); err != nil {
		return wrapError(err)
	}
	c.logger.Debug("private key backup removed")
	return nil
}

// ExportPrivateKeyMnemonic returns the local private key as a 24-word
// BIP-39 recovery phrase.
func (c *Client) ExportPrivateKeyMnemonic() (string, error) {
	if err := c.checkClosed(); err != nil {
		return "", err
	}

	kp, err := c.loadKeyPair()
	if err != nil {
		return "", err
	}
	defer kp.Wipe()
	return kp.PrivateKey.Mnemonic()
}

// RestorePrivateKeyFromMnemonic stores the key encoded by a recovery phrase
// on this device.
func (c *Client) RestorePrivateKeyFromMnemonic(mnemonic string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	seed, err := crypto.SeedFromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	defer wipeBytes(seed)

	kp, err := crypto.ImportPrivateKey(seed)
	if err != nil {
		return err
	}
	defer kp.Wipe()

	release := keystore.Acquire(c.identity)
	defer release()

	err = c.keys.Store(kp)
	if errors.Is(err, keystore.ErrKeyExists) {
		return ErrPrivateKeyExists
	}
	return err
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
