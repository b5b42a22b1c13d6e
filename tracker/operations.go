package tracker

import (
	"encoding/binary"
	"fmt"

	"github.com/pranitl/image2model/persistance"
)

const initJobOperationTypeID byte = 1
const updateFileOperationTypeID byte = 2

type initJobOperation struct {
	jobID    string
	fileKeys []string
}

type updateFileOperation struct {
	jobID    string
	fileKey  string
	status   FileStatus
	progress int
	errMsg   string
}

var _ persistance.Operation = (*initJobOperation)(nil)
var _ persistance.Operation = (*updateFileOperation)(nil)

func (op *initJobOperation) TypeID() byte { return initJobOperationTypeID }

func (op *initJobOperation) Encode() ([]byte, error) {
	buf := []byte{op.TypeID()}
	buf = appendString(buf, op.jobID)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(op.fileKeys)))
	buf = append(buf, count...)
	for _, key := range op.fileKeys {
		buf = appendString(buf, key)
	}
	return buf, nil
}

func (op *initJobOperation) ApplyTo(st persistance.State) error {
	ts, ok := st.(*trackerState)
	if !ok {
		return fmt.Errorf("invalid state type %T", st)
	}
	ts.initJob(op.jobID, op.fileKeys)
	return nil
}

func (op *updateFileOperation) TypeID() byte { return updateFileOperationTypeID }

func (op *updateFileOperation) Encode() ([]byte, error) {
	buf := []byte{op.TypeID()}
	buf = appendString(buf, op.jobID)
	buf = appendString(buf, op.fileKey)
	buf = appendString(buf, string(op.status))
	progress := make([]byte, 4)
	binary.LittleEndian.PutUint32(progress, uint32(op.progress))
	buf = append(buf, progress...)
	buf = appendString(buf, op.errMsg)
	return buf, nil
}

func (op *updateFileOperation) ApplyTo(st persistance.State) error {
	ts, ok := st.(*trackerState)
	if !ok {
		return fmt.Errorf("invalid state type %T", st)
	}
	job, exists := ts.getJob(op.jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", op.jobID)
	}
	fp, exists := job.Files[op.fileKey]
	if !exists {
		return fmt.Errorf("file not tracked in job %s: %s", op.jobID, op.fileKey)
	}
	fp.Status = op.status
	if op.progress > fp.Progress {
		fp.Progress = op.progress
	}
	fp.Error = op.errMsg
	return nil
}

func decodeInitJobOperation(data []byte) (persistance.Operation, error) {
	if len(data) < 1 || data[0] != initJobOperationTypeID {
		return nil, fmt.Errorf("unexpected init-job entry")
	}
	offset := 1
	jobID, offset, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	if len(data) < offset+4 {
		return nil, fmt.Errorf("init-job entry too short: %d", len(data))
	}
	count := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	fileKeys := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var key string
		key, offset, err = readString(data, offset)
		if err != nil {
			return nil, err
		}
		fileKeys = append(fileKeys, key)
	}
	return &initJobOperation{jobID: jobID, fileKeys: fileKeys}, nil
}

func decodeUpdateFileOperation(data []byte) (persistance.Operation, error) {
	if len(data) < 1 || data[0] != updateFileOperationTypeID {
		return nil, fmt.Errorf("unexpected update-file entry")
	}
	offset := 1
	jobID, offset, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	fileKey, offset, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	status, offset, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	if len(data) < offset+4 {
		return nil, fmt.Errorf("update-file entry too short: %d", len(data))
	}
	progress := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	errMsg, _, err := readString(data, offset)
	if err != nil {
		return nil, err
	}
	return &updateFileOperation{
		jobID:    jobID,
		fileKey:  fileKey,
		status:   FileStatus(status),
		progress: progress,
		errMsg:   errMsg,
	}, nil
}

func appendString(buf []byte, s string) []byte {
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(s)))
	buf = append(buf, length...)
	return append(buf, s...)
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+4 {
		return "", 0, fmt.Errorf("entry truncated at offset %d", offset)
	}
	length := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+length {
		return "", 0, fmt.Errorf("invalid string length %d at offset %d", length, offset)
	}
	return string(data[offset : offset+length]), offset + length, nil
}

func init() {
	persistance.RegisterOperation(initJobOperationTypeID, decodeInitJobOperation)
	persistance.RegisterOperation(updateFileOperationTypeID, decodeUpdateFileOperation)
}
