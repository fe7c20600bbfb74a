// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements secure accumulation of streamed answer chunks.
// Chunks are stored in mlocked memory so partial answers never swap to
// disk, and are hashed incrementally for integrity verification.
package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the capacity of the mlocked accumulation buffer.
	// 512 KB covers very long answers with room to spare.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum RLIMIT_MEMLOCK required, in kilobytes.
	MinMlockLimitKB = 512

	// insecureMemoryEnv acknowledges running without mlock protection.
	insecureMemoryEnv = "MOORLINE_INSECURE_MEMORY"
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// ChunkAccumulator collects streamed answer chunks for persistence.
//
// # Description
//
// Chunks are hashed as they arrive, never sitting unhashed. The accumulator
// is single-use: after Finalize or Destroy it cannot accept further writes.
// Implementations are safe for concurrent use.
type ChunkAccumulator interface {
	// Write appends one chunk. Fails on overflow or after teardown.
	Write(chunk string) error

	// Finalize returns the full answer and its SHA-256 hex digest, then
	// wipes the buffer. Can only be called once.
	Finalize() (answer string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; use on
	// error paths where the accumulated answer is not needed.
	Destroy()

	// ID identifies this accumulator instance for logging.
	ID() string

	// CreatedAt is the instantiation timestamp.
	CreatedAt() time.Time
}

// =============================================================================
// Constructors
// =============================================================================

// NewChunkAccumulator allocates a mlocked accumulator. When the mlock limit
// is too low it falls back to plain memory only if MOORLINE_INSECURE_MEMORY
// is set to "true"; otherwise it returns an error naming the limit.
func NewChunkAccumulator() (ChunkAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

func newInsecureChunkAccumulator() ChunkAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE chunk accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureChunkAccumulator stores chunks in a memguard LockedBuffer: mlocked
// against swapping, guard-paged, and explicitly zeroed on teardown.
type secureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureChunkAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - answer too large")
	}

	chunkBytes := []byte(chunk)
	if a.offset+len(chunkBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunkBytes)
	a.offset += len(chunkBytes)
	a.hasher.Write(chunkBytes)

	return nil
}

func (a *secureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized secure chunk accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)

	return answer, digest, nil
}

func (a *secureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed secure chunk accumulator", "accumulator_id", a.id)
}

func (a *secureChunkAccumulator) ID() string { return a.id }

func (a *secureChunkAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipeBuffer destroys the locked buffer and marks the accumulator dead.
func (a *secureChunkAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Insecure Fallback
// =============================================================================

// insecureChunkAccumulator backs the same contract with ordinary Go memory.
// Used only when mlock limits are insufficient and the operator has set
// MOORLINE_INSECURE_MEMORY=true. Wiping is best-effort: the GC may have
// copied the data.
type insecureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *insecureChunkAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - answer too large")
	}

	chunkBytes := []byte(chunk)
	if len(a.data)+len(chunkBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, chunkBytes...)
	a.hasher.Write(chunkBytes)

	return nil
}

func (a *insecureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	slog.Debug("Finalized insecure chunk accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)

	return answer, digest, nil
}

func (a *insecureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	slog.Debug("Destroyed insecure chunk accumulator", "accumulator_id", a.id)
}

func (a *insecureChunkAccumulator) ID() string { return a.id }

func (a *insecureChunkAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *insecureChunkAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and records whether the
// RLIMIT_MEMLOCK limit admits a secure buffer.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit returns whether the mlock limit covers SecureBufferSize,
// and the current limit in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv(insecureMemoryEnv) == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", insecureMemoryEnv+"=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise the limit or set "+insecureMemoryEnv+"=true",
		)
	}
}

func handleInsufficientMlock() (ChunkAccumulator, error) {
	if os.Getenv(insecureMemoryEnv) == "true" {
		slog.Warn("Using insecure chunk accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureChunkAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set %s=true",
		currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
	)
}

func allocateSecureBuffer() (ChunkAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure chunk accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// Utilities
// =============================================================================

// IsMlockAvailable reports whether secure memory is available and the
// current mlock limit in KB (-1 if unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes every memguard allocation. Call during
// graceful shutdown; also triggered automatically on SIGINT/SIGTERM via
// memguard.CatchInterrupt.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
