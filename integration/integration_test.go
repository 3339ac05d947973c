//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	ethree "github.com/ethree/client-go"
)

var (
	baseURL string
	authURL string
)

func TestMain(m *testing.M) {
	// Load .env file if it exists (won't error if missing)
	if err := godotenv.Load("../.env"); err != nil {
		os.Stderr.WriteString("Note: .env file not found at project root\n")
	}

	baseURL = os.Getenv("ETHREE_BASE_URL")
	authURL = os.Getenv("ETHREE_AUTH_URL")

	if baseURL == "" {
		os.Stderr.WriteString("Skipping integration tests: ETHREE_BASE_URL not set\n")
		os.Exit(0)
	}

	os.Stderr.WriteString("Running integration tests...\n")
	os.Stderr.WriteString("Directory URL: " + baseURL + "\n")

	os.Exit(m.Run())
}

// uniqueIdentity returns an identity that no earlier run registered.
func uniqueIdentity(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func newClient(t *testing.T, identity string) *ethree.Client {
	t.Helper()

	opts := []ethree.Option{
		ethree.WithBaseURL(baseURL),
		ethree.WithTimeout(30 * time.Second),
		ethree.WithInMemoryKeyStore(),
	}
	if authURL != "" {
		opts = append(opts, ethree.WithAuthURL(authURL))
	}

	client, err := ethree.Initialize(context.Background(), identity, opts...)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func newRegistered(t *testing.T, name string) *ethree.Client {
	t.Helper()
	client := newClient(t, uniqueIdentity(name))
	if err := client.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	t.Cleanup(func() {
		if err := client.Unregister(context.Background()); err != nil && !errors.Is(err, ethree.ErrClientClosed) {
			t.Logf("Unregister(%s) error = %v", client.Identity(), err)
		}
	})
	return client
}

func TestIntegration_EncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	alice := newRegistered(t, "alice")
	bob := newRegistered(t, "bob")

	keys, err := alice.LookupPublicKeys(ctx, bob.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	msg, err := alice.EncryptText("Hello Bob!", keys)
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}

	senders, err := bob.LookupPublicKeys(ctx, alice.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	text, err := bob.DecryptText(msg, senders[alice.Identity()])
	if err != nil {
		t.Fatalf("DecryptText() error = %v", err)
	}
	if text != "Hello Bob!" {
		t.Errorf("DecryptText() = %q, want Hello Bob!", text)
	}
}

func TestIntegration_RotateAndLookup(t *testing.T) {
	ctx := context.Background()
	alice := newRegistered(t, "alice")
	bob := newRegistered(t, "bob")

	before, err := bob.LookupPublicKeys(ctx, alice.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	if err := alice.RotatePrivateKey(ctx); err != nil {
		t.Fatalf("RotatePrivateKey() error = %v", err)
	}
	after, err := bob.LookupPublicKeys(ctx, alice.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	if before[alice.Identity()].Fingerprint() == after[alice.Identity()].Fingerprint() {
		t.Error("lookup returned the revoked key after rotation")
	}
}

func TestIntegration_BackupRestore(t *testing.T) {
	ctx := context.Background()
	alice := newRegistered(t, "alice")

	if err := alice.BackupPrivateKey(ctx, "integration-password"); err != nil {
		t.Fatalf("BackupPrivateKey() error = %v", err)
	}
	t.Cleanup(func() { alice.ResetPrivateKeyBackup(context.Background()) })

	laptop := newClient(t, alice.Identity())
	if err := laptop.RestorePrivateKey(ctx, "wrong"); !errors.Is(err, ethree.ErrWrongPassword) {
		t.Errorf("RestorePrivateKey(wrong) error = %v, want ErrWrongPassword", err)
	}
	if err := laptop.RestorePrivateKey(ctx, "integration-password"); err != nil {
		t.Fatalf("RestorePrivateKey() error = %v", err)
	}

	msg, err := alice.EncryptText("to myself", nil)
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}
	if text, err := laptop.DecryptText(msg, nil); err != nil || text != "to myself" {
		t.Errorf("DecryptText() on restored device = %q, %v", text, err)
	}
}

func TestIntegration_Group(t *testing.T) {
	ctx := context.Background()
	alice := newRegistered(t, "alice")
	bob := newRegistered(t, "bob")
	carol := newRegistered(t, "carol")

	members, err := alice.LookupPublicKeys(ctx, bob.Identity(), carol.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	groupID := uuid.NewString()
	g, err := alice.CreateGroup(ctx, groupID, members)
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	t.Cleanup(func() { alice.DeleteGroup(context.Background(), groupID) })

	carolGroup, err := carol.LoadGroup(ctx, groupID, nil)
	if err != nil {
		t.Fatalf("LoadGroup() error = %v", err)
	}
	if err := g.RemoveMembers(ctx, carol.Identity()); err != nil {
		t.Fatalf("RemoveMembers() error = %v", err)
	}

	msg, err := g.EncryptText("carol left")
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}

	bobGroup, err := bob.LoadGroup(ctx, groupID, nil)
	if err != nil {
		t.Fatalf("LoadGroup() error = %v", err)
	}
	sender, err := bob.LookupPublicKeys(ctx, alice.Identity())
	if err != nil {
		t.Fatalf("LookupPublicKeys() error = %v", err)
	}
	if text, err := bobGroup.DecryptText(msg, sender[alice.Identity()]); err != nil || text != "carol left" {
		t.Errorf("member DecryptText() = %q, %v", text, err)
	}

	if err := carolGroup.Update(ctx); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := carolGroup.DecryptText(msg, sender[alice.Identity()]); !errors.Is(err, ethree.ErrMissingGroupEpoch) {
		t.Errorf("removed member DecryptText() error = %v, want ErrMissingGroupEpoch", err)
	}
}
