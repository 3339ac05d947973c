package group

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethree/client-go/internal/crypto"
)

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func TestNormalizeMembers(t *testing.T) {
	many := make([]string, MaxMembers)
	for i := range many {
		many[i] = fmt.Sprintf("user-%03d", i)
	}

	tests := []struct {
		name    string
		members []string
		want    []string
		wantErr bool
	}{
		{name: "adds initiator and sorts", members: []string{"carol", "bob"}, want: []string{"alice", "bob", "carol"}},
		{name: "dedupes", members: []string{"bob", "bob", "alice"}, want: []string{"alice", "bob"}},
		{name: "initiator only", members: []string{"alice"}, wantErr: true},
		{name: "empty", members: nil, wantErr: true},
		{name: "empty identity", members: []string{"bob", ""}, wantErr: true},
		{name: "too many", members: many, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMembers("alice", tt.members)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMembers) {
					t.Errorf("error = %v, want ErrInvalidMembers", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTicket_SealOpen(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	eve := mustKeyPair(t)

	ticket, err := NewTicket("g1", "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("NewTicket() error = %v", err)
	}
	sealed, err := ticket.Seal(alice.PrivateKey, []*crypto.PublicKey{alice.PublicKey, bob.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	opened, err := OpenTicket(sealed, bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("OpenTicket() error = %v", err)
	}
	if !bytes.Equal(opened.SessionKey, ticket.SessionKey) || !opened.HasMember("bob") {
		t.Errorf("opened ticket = %+v", opened)
	}

	if _, err := OpenTicket(sealed, eve.PrivateKey, alice.PublicKey); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("non-member OpenTicket() error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := OpenTicket(sealed, bob.PrivateKey, eve.PublicKey); !errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		t.Errorf("wrong initiator OpenTicket() error = %v, want ErrSignatureVerificationFailed", err)
	}
}

func TestSession_StateMachine(t *testing.T) {
	s := NewSession("g1", "alice")
	if s.State() != StateUnloaded {
		t.Fatalf("State() = %v, want unloaded", s.State())
	}
	if _, err := s.Current(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Current() error = %v, want ErrNotLoaded", err)
	}

	t0, _ := NewTicket("g1", "alice", []string{"bob"})
	if err := s.Apply(t0); err != nil {
		t.Fatalf("Apply(0) error = %v", err)
	}
	if s.State() != StateCreated || s.Epoch() != 0 {
		t.Errorf("after epoch 0: state %v epoch %d", s.State(), s.Epoch())
	}

	t1, _ := t0.Next([]string{"bob", "carol"})
	t2, _ := t1.Next([]string{"carol"})
	if err := s.Apply(t2); !errors.Is(err, ErrEpochOutOfOrder) {
		t.Errorf("Apply(2) before 1 error = %v, want ErrEpochOutOfOrder", err)
	}
	if err := s.Apply(t1); err != nil {
		t.Fatalf("Apply(1) error = %v", err)
	}
	if err := s.Apply(t1); !errors.Is(err, ErrEpochOutOfOrder) {
		t.Errorf("re-Apply(1) error = %v, want ErrEpochOutOfOrder", err)
	}
	if s.State() != StateActive || s.Epoch() != 1 {
		t.Errorf("after epoch 1: state %v epoch %d", s.State(), s.Epoch())
	}
	if got := s.Members(); fmt.Sprint(got) != "[alice bob carol]" {
		t.Errorf("Members() = %v", got)
	}

	other, _ := NewTicket("g2", "alice", []string{"bob"})
	if err := s.Apply(other); !errors.Is(err, ErrTicketMismatch) {
		t.Errorf("Apply(other group) error = %v, want ErrTicketMismatch", err)
	}

	s.Delete()
	if s.State() != StateDeleted {
		t.Errorf("State() = %v, want deleted", s.State())
	}
	if err := s.Apply(t2); !errors.Is(err, ErrDeleted) {
		t.Errorf("Apply after Delete error = %v, want ErrDeleted", err)
	}
	if !bytes.Equal(t1.SessionKey, make([]byte, len(t1.SessionKey))) {
		t.Error("Delete() did not wipe session keys")
	}
}

func TestSession_JoinAtLaterEpoch(t *testing.T) {
	t0, _ := NewTicket("g1", "alice", []string{"bob"})
	t1, _ := t0.Next([]string{"bob", "carol"})

	s := NewSession("g1", "alice")
	if err := s.Apply(t1); err != nil {
		t.Fatalf("Apply(1) on unloaded session error = %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("State() = %v, want active", s.State())
	}
	if _, err := s.Ticket(0); !errors.Is(err, ErrMissingEpoch) {
		t.Errorf("Ticket(0) error = %v, want ErrMissingEpoch", err)
	}
}

func TestSession_EncryptDecrypt(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	t0, _ := NewTicket("g1", "alice", []string{"bob"})
	sender := NewSession("g1", "alice")
	receiver := NewSession("g1", "alice")
	sender.Apply(t0)
	copy0 := *t0
	copy0.SessionKey = append([]byte(nil), t0.SessionKey...)
	receiver.Apply(&copy0)

	msg, err := sender.Encrypt([]byte("hello group"), alice.PrivateKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := receiver.Decrypt(msg, alice.PublicKey)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "hello group" {
		t.Errorf("Decrypt() = %q", got)
	}

	if _, err := receiver.Decrypt(msg, bob.PublicKey); !errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		t.Errorf("wrong sender error = %v, want ErrSignatureVerificationFailed", err)
	}

	var m Message
	json.Unmarshal(msg, &m)
	m.Ciphertext[0] ^= 0xff
	tampered, _ := json.Marshal(m)
	if _, err := receiver.Decrypt(tampered, alice.PublicKey); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("tampered error = %v, want ErrDecryptionFailed", err)
	}

	if _, err := receiver.Decrypt([]byte("{"), alice.PublicKey); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("garbage error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSession_RemovedMemberCannotReadNextEpoch(t *testing.T) {
	alice := mustKeyPair(t)

	t0, _ := NewTicket("g1", "alice", []string{"bob", "carol"})
	t1, _ := t0.Next([]string{"bob"})

	initiator := NewSession("g1", "alice")
	initiator.Apply(t0)
	initiator.Apply(t1)

	carol := NewSession("g1", "alice")
	stale := *t0
	stale.SessionKey = append([]byte(nil), t0.SessionKey...)
	carol.Apply(&stale)

	msg, err := initiator.Encrypt([]byte("after removal"), alice.PrivateKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := carol.Decrypt(msg, alice.PublicKey); !errors.Is(err, ErrMissingEpoch) {
		t.Errorf("removed member Decrypt() error = %v, want ErrMissingEpoch", err)
	}

	// A forged header pointing at the old epoch fails authentication.
	var m Message
	json.Unmarshal(msg, &m)
	m.Epoch = 0
	forged, _ := json.Marshal(m)
	if _, err := carol.Decrypt(forged, alice.PublicKey); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("forged epoch Decrypt() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSession_DecryptsOlderEpoch(t *testing.T) {
	alice := mustKeyPair(t)

	t0, _ := NewTicket("g1", "alice", []string{"bob"})
	s := NewSession("g1", "alice")
	s.Apply(t0)
	old, err := s.Encrypt([]byte("epoch zero"), alice.PrivateKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	t1, _ := t0.Next([]string{"bob", "carol"})
	s.Apply(t1)

	got, err := s.Decrypt(old, alice.PublicKey)
	if err != nil || string(got) != "epoch zero" {
		t.Errorf("Decrypt(old) = %q, %v", got, err)
	}
}

func TestSession_ResumeAfterGap(t *testing.T) {
	t0, _ := NewTicket("g1", "alice", []string{"bob"})
	t1, _ := t0.Next([]string{"carol"})
	t2, _ := t1.Next([]string{"bob", "carol"})

	bob := NewSession("g1", "alice")
	if err := bob.Apply(t0); err != nil {
		t.Fatalf("Apply(0) error = %v", err)
	}
	if err := bob.Apply(t2); !errors.Is(err, ErrEpochOutOfOrder) {
		t.Fatalf("Apply(2) error = %v, want ErrEpochOutOfOrder", err)
	}
	if err := bob.Resume(t2); err != nil {
		t.Fatalf("Resume(2) error = %v", err)
	}
	if bob.Epoch() != 2 {
		t.Errorf("Epoch() = %d, want 2", bob.Epoch())
	}
	if _, err := bob.Ticket(0); err != nil {
		t.Errorf("Ticket(0) after Resume error = %v", err)
	}
	if err := bob.Resume(t1); !errors.Is(err, ErrEpochOutOfOrder) {
		t.Errorf("Resume(1) error = %v, want ErrEpochOutOfOrder", err)
	}
}
