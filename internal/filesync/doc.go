// Package filesync accepts job files pushed by agents over the JobFileSyncService.
//
// A session starts with BeginSync, which binds it to a job and answers with
// the files the server already holds so the agent can resume where it left
// off. DataUpload and DeleteFile messages are applied through a FileService
// and acknowledged in batches, either once MaxSyncMessages results are pending
// or when the periodic flush runs. Messages received before BeginSync are
// dropped and answered with a single ResetSync.
package filesync
