package models

// TransferStatus is the lifecycle state of one file transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSending   TransferStatus = "sending"
	TransferReceiving TransferStatus = "receiving"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// Active reports whether bytes are still moving for this status.
func (s TransferStatus) Active() bool {
	return s == TransferPending || s == TransferSending || s == TransferReceiving
}

// Transfer tracks one logical file moving between two devices.
//
// Progress is a percentage in [0,100], monotonically non-decreasing while the
// transfer is sending or receiving, and exactly 100 once completed.
type Transfer struct {
	ID        string         `json:"id"`
	FileName  string         `json:"fileName"`
	FileSize  int64          `json:"fileSize"`
	Progress  float64        `json:"progress"`
	Status    TransferStatus `json:"status"`
	Speed     float64        `json:"speed,omitempty"`
	StartTime int64          `json:"startTime,omitempty"`
	EndTime   int64          `json:"endTime,omitempty"`
}

// FileMetadata is the descriptor sent ahead of a file's chunks.
type FileMetadata struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	LastModified int64  `json:"lastModified"`
}
