package crypto

import "io"

// SetRandReaderForTesting sets the random reader used for key generation,
// key encapsulation and nonces.
// This is intended for testing only. Returns a function to restore the original reader.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}

// SetBackupKDFForTesting lowers the Argon2id cost used when sealing backups.
// Returns a function to restore the defaults.
func SetBackupKDFForTesting(time, memoryKB uint32) func() {
	original := backupParams
	backupParams = kdfParams{Time: time, MemoryKB: memoryKB, Threads: 1}
	return func() { backupParams = original }
}
