package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// InstanceID returns the status device's stable Home Assistant
// identifier.
//
// With a data dir the id is a UUIDv7 kept in dataDir/instance_id. A
// missing or unparsable file is (re)written with a fresh id. Without a
// data dir the id is a UUIDv5 of the client id, so two bridges sharing a
// broker stay distinct as long as their client ids do.
func InstanceID(dataDir, clientID string) (string, error) {
	if dataDir == "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("rtl433-discovery:"+clientID)).String(), nil
	}

	path := filepath.Join(dataDir, instanceIDFile)
	id, err := readInstanceID(path)
	if err == nil {
		return id.String(), nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !isCorrupt(err) {
		return "", err
	}

	id, err = uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id.String(), nil
}

type corruptIDError struct {
	path string
	err  error
}

func (e *corruptIDError) Error() string {
	return fmt.Sprintf("instance id in %s: %v", e.path, e.err)
}

func isCorrupt(err error) bool {
	var c *corruptIDError
	return errors.As(err, &c)
}

func readInstanceID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, &corruptIDError{path: path, err: err}
	}
	return id, nil
}
