package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const (
	serviceURLEnvVar  = "UPLOADIO_SERVICE_URL"
	accessTokenEnvVar = "UPLOADIO_ACCESS_TOKEN"
)

// We need this prefix because there can be multiple fetches in one run with multiple blob keys
const hitEnvVarPrefix = "UPLOADIO_HIT__"

func checksumOfFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
