// Package ethree provides a Go client SDK for end-to-end encryption between
// application users.
//
// Each Client manages the key pair of one identity: the private key stays in
// a local key store on the device, and the public key is published as a card
// in a key directory so that other identities can look it up. Messages are
// signed with the sender's key and encrypted for every recipient key
// (ML-KEM-768 for key encapsulation, ML-DSA-65 for signatures).
//
// Basic usage:
//
//	client, err := ethree.Initialize(ctx, "alice",
//	    ethree.WithBaseURL("https://api.example.com"),
//	    ethree.WithKeyStoreDir("~/.ethree/keys"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if ok, _ := client.HasLocalPrivateKey(); !ok {
//	    if err := client.Register(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
//	keys, err := client.LookupPublicKeys(ctx, "bob")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	encrypted, err := client.EncryptText("Hello Bob!", keys)
//
// Access tokens for the key directory are obtained from the application
// backend (POST /authenticate, then GET /virgil-jwt) whenever the client
// has none or the directory rejects the current one. Use WithTokenProvider
// to plug in a different source.
//
// Groups share a session key among up to 100 identities. Every membership
// change starts a new epoch with a fresh key, so removed members cannot read
// later messages:
//
//	g, err := client.CreateGroup(ctx, "project-x", keys)
//	msg, err := g.EncryptText("hi all")
//	err = g.RemoveMembers(ctx, "bob")
//
// The private key can be backed up to the backend under a password the
// backend never learns (BackupPrivateKey, RestorePrivateKey) or exported as
// a BIP-39 recovery phrase (ExportPrivateKeyMnemonic).
package ethree
