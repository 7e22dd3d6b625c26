// ABOUTME: Minimal fake agent for E2E testing, serves a local directory as a running job's files
// ABOUTME: Usage: fake-agent [--addr localhost:50051] [--job job-1] [--dir .] [--sync]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/stream-gateway/internal/manifest"
	pb "github.com/2389/stream-gateway/proto/fleet"
)

const chunkSize = 64 << 10

type options struct {
	addr           string
	jobID          string
	dir            string
	manifestPeriod time.Duration
	heartbeat      time.Duration
	sync           bool
	checksums      bool
	compress       bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	flags.StringVar(&opts.addr, "addr", "localhost:50051", "gRPC server address")
	flags.StringVar(&opts.jobID, "job", "e2e-job", "Job ID this agent claims")
	flags.StringVar(&opts.dir, "dir", ".", "Job directory to serve")
	flags.DurationVar(&opts.manifestPeriod, "manifest-interval", 5*time.Second, "How often to push the manifest")
	flags.DurationVar(&opts.heartbeat, "heartbeat-interval", 5*time.Second, "How often to send heartbeats")
	flags.BoolVar(&opts.sync, "sync", false, "Push the job directory to the server on start")
	flags.BoolVar(&opts.checksums, "checksums", false, "Include checksums in manifests and sync state")
	flags.BoolVar(&opts.compress, "compress", true, "Compress manifests")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func run(opts options) error {
	dialOpts := append(pb.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(opts.addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if opts.sync {
		if err := pushDirectory(ctx, pb.NewJobFileSyncServiceClient(conn), opts); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- serveFiles(ctx, pb.NewFileStreamServiceClient(conn), opts) }()
	go func() { errCh <- heartbeat(ctx, pb.NewHeartBeatServiceClient(conn), opts) }()
	go func() { errCh <- waitForKill(ctx, pb.NewJobKillServiceClient(conn), opts.jobID) }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

// serveFiles pushes manifests on the control stream and answers file requests.
func serveFiles(ctx context.Context, client pb.FileStreamServiceClient, opts options) error {
	stream, err := client.Sync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open control stream: %w", err)
	}

	push := func() error {
		m, err := manifest.Build(opts.dir, opts.checksums)
		if err != nil {
			return err
		}
		data, err := m.Encode(opts.compress)
		if err != nil {
			return err
		}
		return stream.Send(&pb.AgentManifestMessage{
			JobId:               opts.jobID,
			Manifest:            data,
			Compressed:          opts.compress,
			LargeFilesSupported: true,
		})
	}
	if err := push(); err != nil {
		return fmt.Errorf("failed to push manifest: %w", err)
	}
	log.Printf("serving %s as job %s", opts.dir, opts.jobID)

	go func() {
		ticker := time.NewTicker(opts.manifestPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := push(); err != nil {
					log.Printf("manifest push error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control stream error: %w", err)
		}

		req := msg.GetServerFileRequest()
		if req == nil {
			continue
		}
		go func() {
			if err := transmit(ctx, client, opts.dir, req); err != nil {
				log.Printf("transfer %s failed: %v", req.GetTransferId(), err)
			}
		}()
	}
}

func transmit(ctx context.Context, client pb.FileStreamServiceClient, dir string, req *pb.ServerFileRequestMessage) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(req.RelativePath)))
	if err != nil {
		return err
	}
	defer f.Close()

	stream, err := client.Transmit(ctx)
	if err != nil {
		return err
	}

	log.Printf("sending %s [%d, %d)", req.RelativePath, req.StartOffset, req.EndOffset)
	section := io.NewSectionReader(f, req.StartOffset, req.EndOffset-req.StartOffset)
	buf := make([]byte, chunkSize)
	for {
		n, err := section.Read(buf)
		if n > 0 {
			if err := stream.Send(&pb.AgentFileMessage{TransferId: req.GetTransferId(), Data: buf[:n]}); err != nil {
				return err
			}
			if _, err := stream.Recv(); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if err := stream.CloseSend(); err != nil {
		return err
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func heartbeat(ctx context.Context, client pb.HeartBeatServiceClient, opts options) error {
	stream, err := client.Heartbeat(ctx)
	if err != nil {
		return fmt.Errorf("failed to open heartbeat stream: %w", err)
	}

	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(opts.heartbeat)
	defer ticker.Stop()
	for {
		if err := stream.Send(&pb.AgentHeartBeat{ClaimedJobId: opts.jobID}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("heartbeat error: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func waitForKill(ctx context.Context, client pb.JobKillServiceClient, jobID string) error {
	stream, err := client.RegisterForKillNotification(ctx, &pb.JobKillRegistrationRequest{JobId: jobID})
	if err != nil {
		return fmt.Errorf("failed to register for kill: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("kill stream error: %w", err)
	}
	log.Printf("killed: %s", resp.Reason)
	return nil
}

// pushDirectory uploads every file under opts.dir through a sync session.
func pushDirectory(ctx context.Context, client pb.JobFileSyncServiceClient, opts options) error {
	stream, err := client.Sync(ctx)
	if err != nil {
		return err
	}

	if err := stream.Send(&pb.SyncRequest{BeginSync: &pb.BeginSync{JobId: opts.jobID}}); err != nil {
		return err
	}
	resp, err := stream.Recv()
	if err != nil {
		return err
	}
	if resp.GetBeginAck() == nil {
		return fmt.Errorf("expected begin acknowledgement")
	}

	m, err := manifest.Build(opts.dir, opts.checksums)
	if err != nil {
		return err
	}

	state := &pb.JobDirectoryState{IncludesChecksum: opts.checksums}
	for _, e := range m.Files() {
		if err := uploadFile(stream, opts.dir, e.Path); err != nil {
			return fmt.Errorf("upload %s: %w", e.Path, err)
		}
		state.Files = append(state.Files, &pb.JobFileState{Path: e.Path, Size: e.Size, Checksum: e.Checksum})
	}

	if err := stream.Send(&pb.SyncRequest{SyncComplete: &pb.SyncComplete{FinalAgentDirectoryState: state}}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	acked, failed := 0, 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if resp.GetReset() != nil {
			return fmt.Errorf("server reset the sync session")
		}
		for _, r := range resp.GetSyncAck().GetResults() {
			acked++
			if !r.Successful {
				failed++
			}
		}
	}
	log.Printf("synced %d files: %d uploads acknowledged, %d failed", len(state.Files), acked, failed)
	return nil
}

// uploadFile sends one file in chunks. Files removed since the manifest was
// built are skipped.
func uploadFile(stream grpc.BidiStreamingClient[pb.SyncRequest, pb.SyncResponse], dir, rel string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, err := f.Read(buf)
		if n > 0 || (offset == 0 && errors.Is(err, io.EOF)) {
			up := &pb.DataUpload{
				Id:        uuid.NewString(),
				Path:      rel,
				StartByte: offset,
				Data:      append([]byte(nil), buf[:n]...),
			}
			if err := stream.Send(&pb.SyncRequest{DataUpload: up}); err != nil {
				return err
			}
			offset += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
