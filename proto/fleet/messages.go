// ABOUTME: Wire messages exchanged between agents and the stream gateway
// ABOUTME: Oneof payloads are modeled as mutually exclusive pointer fields with nil-safe getters

package fleet

// AgentManifestMessage is pushed by the agent on the control stream whenever its job
// directory changes. Manifest holds the JSON manifest, zstd-compressed when Compressed is set.
type AgentManifestMessage struct {
	JobId               string `cbor:"job_id,omitempty"`
	Manifest            []byte `cbor:"manifest,omitempty"`
	Compressed          bool   `cbor:"compressed,omitempty"`
	LargeFilesSupported bool   `cbor:"large_files_supported,omitempty"`
}

func (m *AgentManifestMessage) GetJobId() string {
	if m == nil {
		return ""
	}
	return m.JobId
}

func (m *AgentManifestMessage) GetManifest() []byte {
	if m == nil {
		return nil
	}
	return m.Manifest
}

// ServerControlMessage is sent by the server down the control stream.
type ServerControlMessage struct {
	ServerFileRequest *ServerFileRequestMessage `cbor:"server_file_request,omitempty"`
}

func (m *ServerControlMessage) GetServerFileRequest() *ServerFileRequestMessage {
	if m == nil {
		return nil
	}
	return m.ServerFileRequest
}

// ServerFileRequestMessage asks the agent to open a chunk stream for the half-open byte
// range [StartOffset, EndOffset) of RelativePath, tagged with TransferId.
type ServerFileRequestMessage struct {
	TransferId   string `cbor:"transfer_id,omitempty"`
	RelativePath string `cbor:"relative_path,omitempty"`
	StartOffset  int64  `cbor:"start_offset,omitempty"`
	EndOffset    int64  `cbor:"end_offset,omitempty"`
}

func (m *ServerFileRequestMessage) GetTransferId() string {
	if m == nil {
		return ""
	}
	return m.TransferId
}

// AgentFileMessage carries one chunk of a transfer.
type AgentFileMessage struct {
	TransferId string `cbor:"transfer_id,omitempty"`
	Data       []byte `cbor:"data,omitempty"`
}

func (m *AgentFileMessage) GetTransferId() string {
	if m == nil {
		return ""
	}
	return m.TransferId
}

func (m *AgentFileMessage) GetData() []byte {
	if m == nil {
		return nil
	}
	return m.Data
}

// ServerAckMessage acknowledges a chunk.
type ServerAckMessage struct{}

// SyncRequest is one message on the push-sync stream. Exactly one field is set.
type SyncRequest struct {
	BeginSync    *BeginSync    `cbor:"begin_sync,omitempty"`
	DataUpload   *DataUpload   `cbor:"data_upload,omitempty"`
	DeleteFile   *DeleteFile   `cbor:"delete_file,omitempty"`
	SyncComplete *SyncComplete `cbor:"sync_complete,omitempty"`
}

func (m *SyncRequest) GetBeginSync() *BeginSync {
	if m == nil {
		return nil
	}
	return m.BeginSync
}

func (m *SyncRequest) GetDataUpload() *DataUpload {
	if m == nil {
		return nil
	}
	return m.DataUpload
}

func (m *SyncRequest) GetDeleteFile() *DeleteFile {
	if m == nil {
		return nil
	}
	return m.DeleteFile
}

func (m *SyncRequest) GetSyncComplete() *SyncComplete {
	if m == nil {
		return nil
	}
	return m.SyncComplete
}

type BeginSync struct {
	JobId string `cbor:"job_id,omitempty"`
}

func (m *BeginSync) GetJobId() string {
	if m == nil {
		return ""
	}
	return m.JobId
}

type DataUpload struct {
	Id        string `cbor:"id,omitempty"`
	Path      string `cbor:"path,omitempty"`
	StartByte int64  `cbor:"start_byte,omitempty"`
	Data      []byte `cbor:"data,omitempty"`
}

type DeleteFile struct {
	Id   string `cbor:"id,omitempty"`
	Path string `cbor:"path,omitempty"`
}

type SyncComplete struct {
	FinalAgentDirectoryState *JobDirectoryState `cbor:"final_agent_directory_state,omitempty"`
}

func (m *SyncComplete) GetFinalAgentDirectoryState() *JobDirectoryState {
	if m == nil {
		return nil
	}
	return m.FinalAgentDirectoryState
}

// JobDirectoryState describes the files of a job directory on one side of a sync.
type JobDirectoryState struct {
	IncludesChecksum bool            `cbor:"includes_checksum,omitempty"`
	Files            []*JobFileState `cbor:"files,omitempty"`
}

func (m *JobDirectoryState) GetFiles() []*JobFileState {
	if m == nil {
		return nil
	}
	return m.Files
}

func (m *JobDirectoryState) GetIncludesChecksum() bool {
	return m != nil && m.IncludesChecksum
}

type JobFileState struct {
	Path     string `cbor:"path,omitempty"`
	Size     int64  `cbor:"size,omitempty"`
	Checksum string `cbor:"checksum,omitempty"`
}

// SyncResponse is one server message on the push-sync stream. Exactly one field is set.
type SyncResponse struct {
	BeginAck *BeginAcknowledgement `cbor:"begin_ack,omitempty"`
	SyncAck  *SyncAcknowledgement  `cbor:"sync_ack,omitempty"`
	Reset    *ResetSync            `cbor:"reset,omitempty"`
}

func (m *SyncResponse) GetBeginAck() *BeginAcknowledgement {
	if m == nil {
		return nil
	}
	return m.BeginAck
}

func (m *SyncResponse) GetSyncAck() *SyncAcknowledgement {
	if m == nil {
		return nil
	}
	return m.SyncAck
}

func (m *SyncResponse) GetReset() *ResetSync {
	if m == nil {
		return nil
	}
	return m.Reset
}

type BeginAcknowledgement struct {
	ServerDirectoryState *JobDirectoryState `cbor:"server_directory_state,omitempty"`
}

type SyncAcknowledgement struct {
	Results []*SyncRequestResult `cbor:"results,omitempty"`
}

func (m *SyncAcknowledgement) GetResults() []*SyncRequestResult {
	if m == nil {
		return nil
	}
	return m.Results
}

type SyncRequestResult struct {
	Id         string `cbor:"id,omitempty"`
	Successful bool   `cbor:"successful,omitempty"`
}

// ResetSync tells the agent to restart its session with BeginSync.
type ResetSync struct{}

// AgentHeartBeat is sent periodically by the agent.
type AgentHeartBeat struct {
	ClaimedJobId string `cbor:"claimed_job_id,omitempty"`
}

func (m *AgentHeartBeat) GetClaimedJobId() string {
	if m == nil {
		return ""
	}
	return m.ClaimedJobId
}

// ServerHeartBeat is sent periodically by the server.
type ServerHeartBeat struct{}

// JobKillRegistrationRequest parks a kill notification channel for a job.
type JobKillRegistrationRequest struct {
	JobId string `cbor:"job_id,omitempty"`
}

func (m *JobKillRegistrationRequest) GetJobId() string {
	if m == nil {
		return ""
	}
	return m.JobId
}

// JobKillRegistrationResponse is pushed when the job must be killed.
type JobKillRegistrationResponse struct {
	Reason string `cbor:"reason,omitempty"`
}

// JobServiceError is the typed error payload returned by the job service operations.
type JobServiceError struct {
	Type    string `cbor:"type,omitempty"`
	Message string `cbor:"message,omitempty"`
}
