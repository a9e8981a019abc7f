package ipc

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/jobpool/pkg/api"
)

// encodeSnapshots gob-encodes an ordered task list. An empty list encodes to
// zero bytes.
func encodeSnapshots(tasks []api.TaskSnapshot) ([]byte, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tasks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeSnapshots gob-decodes an ordered task list. An empty buffer is an
// empty list.
func decodeSnapshots(data []byte) ([]api.TaskSnapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []api.TaskSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
