package signature

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"lukechampine.com/blake3"
)

const (
	// Files at or above this size are memory-mapped and hashed in one pass.
	mmapThreshold = 10 * 1024 * 1024
	// Read buffer for the streaming path.
	hashBufferSize = 8 * 1024 * 1024
)

// HashFile computes the hex-encoded BLAKE3 hash of a file's content. Files
// of mmapThreshold bytes or more are mapped read-only and hashed from the
// mapping; smaller files stream through a fixed buffer. Both paths produce
// identical digests for identical bytes.
func HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata for %s: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if info.Size() >= mmapThreshold {
		return hashMapped(path, file)
	}
	return hashStreaming(path, file)
}

func hashMapped(path string, file *os.File) (string, error) {
	m, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("failed to memory map %s: %w", path, err)
	}
	defer m.Unmap()

	sum := blake3.Sum256(m)
	return hex.EncodeToString(sum[:]), nil
}

func hashStreaming(path string, file *os.File) (string, error) {
	hasher := blake3.New(32, nil)
	buf := make([]byte, hashBufferSize)

	for {
		n, err := file.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
