package cloudtasks

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"openscan3/internal/network"
	"openscan3/internal/project"
	"openscan3/internal/tasks"
)

// UploadTaskName is the registry name for CloudUploadTask.
const UploadTaskName = "cloud.upload"

// defaultPartSize bounds each uploaded chunk. Parts are sent one after
// another; a failed part fails the upload and is not retried.
const defaultPartSize = 4 << 20 // 4 MiB

// inFlightUploads tracks which project IDs have an upload whose Run is in
// progress, rejecting a second concurrent upload of the same project when
// that second upload starts running. An upload still queued as PENDING is
// not tracked, so queueing a duplicate is not rejected.
type inFlightUploads struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newInFlightUploads() *inFlightUploads {
	return &inFlightUploads{ids: make(map[string]bool)}
}

func (u *inFlightUploads) start(projectID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ids[projectID] {
		return false
	}
	u.ids[projectID] = true
	return true
}

func (u *inFlightUploads) finish(projectID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.ids, projectID)
}

// UploadArgs is the JSON-encoded argument CloudUploadTask is constructed
// with.
type UploadArgs struct {
	ProjectName string `json:"project_name"`
	PhotosDir   string `json:"photos_dir"`
}

// UploadTask zips a project's photos, uploads them in bounded-size parts,
// and starts remote processing. It is cooperative, not exclusive: it may
// run alongside other cooperative or blocking tasks, but not alongside
// another upload of the same project.
type UploadTask struct {
	args       UploadArgs
	projects   *project.Store
	remote     RemoteClient
	bandwidth  *network.BandwidthManager
	congestion *network.CongestionController
	inflight   *inFlightUploads
}

func NewUploadTask(args UploadArgs, projects *project.Store, remote RemoteClient, bandwidth *network.BandwidthManager, congestion *network.CongestionController, inflight *inFlightUploads) *UploadTask {
	return &UploadTask{args: args, projects: projects, remote: remote, bandwidth: bandwidth, congestion: congestion, inflight: inflight}
}

// UploadConstructor builds a tasks.Constructor bound to shared collaborators.
func UploadConstructor(projects *project.Store, remote RemoteClient, bandwidth *network.BandwidthManager, congestion *network.CongestionController) tasks.Constructor {
	inflight := newInFlightUploads()
	return func(raw json.RawMessage) (tasks.Runnable, error) {
		var args UploadArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("cloudtasks: invalid upload args: %w", err)
		}
		return NewUploadTask(args, projects, remote, bandwidth, congestion, inflight), nil
	}
}

func (t *UploadTask) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	proj, err := t.projects.GetProjectByName(t.args.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: resolve project: %w", err)
	}
	if proj.Uploaded {
		return nil, fmt.Errorf("cloudtasks: project %q is already uploaded", proj.Name)
	}
	if !t.inflight.start(proj.ID) {
		return nil, fmt.Errorf("cloudtasks: project %q already has an upload in progress", proj.Name)
	}
	defer t.inflight.finish(proj.ID)

	archive, err := t.buildArchive(proj)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: build archive: %w", err)
	}

	parts := splitParts(archive, defaultPartSize)
	total := len(parts)
	if total == 0 {
		return nil, fmt.Errorf("cloudtasks: project %q has no photos to upload", proj.Name)
	}

	remoteID, err := t.remote.CreateProject(ctx, proj.Name)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks: create remote project: %w", err)
	}

	for i, part := range parts {
		if h.IsCancelled() {
			return nil, fmt.Errorf("cloudtasks: upload cancelled at part %d/%d", i, total)
		}
		if err := h.WaitForPause(); err != nil {
			return nil, err
		}
		if t.bandwidth != nil {
			if err := t.bandwidth.Wait(ctx, proj.ID, len(part)); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		err := t.remote.UploadPart(ctx, remoteID, i, total, part)
		if t.congestion != nil {
			t.congestion.RecordOutcome(t.args.ProjectName, time.Since(start), err)
		}
		if err != nil {
			return nil, fmt.Errorf("cloudtasks: upload part %d/%d: %w", i, total, err)
		}

		h.Progress(tasks.Progress{Current: i + 1, Total: total, Message: fmt.Sprintf("uploaded part %d/%d", i+1, total)})
	}

	if err := t.remote.StartProcessing(ctx, remoteID); err != nil {
		return nil, fmt.Errorf("cloudtasks: start processing: %w", err)
	}

	proj.Uploaded = true
	if err := t.projects.SaveProject(proj); err != nil {
		return nil, fmt.Errorf("cloudtasks: mark uploaded: %w", err)
	}

	h.SetResult(map[string]any{"project": proj.Name, "remote_id": remoteID, "parts": total})
	return remoteID, nil
}

// buildArchive zips every photo recorded for every scan in the project into
// an in-memory archive. archive/zip is used because no third-party
// archiving library appears anywhere in the retrieval pack.
func (t *UploadTask) buildArchive(proj *project.Project) ([]byte, error) {
	scans, err := t.projects.ScansForProject(proj.ID)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, scan := range scans {
		photos, err := t.projects.PhotosForScan(scan.ID)
		if err != nil {
			return nil, fmt.Errorf("list photos for scan %s: %w", scan.ID, err)
		}
		for _, p := range photos {
			data, err := os.ReadFile(p.Path)
			if err != nil {
				continue
			}
			fw, err := w.Create(filepath.Join(scan.ID, filepath.Base(p.Path)))
			if err != nil {
				continue
			}
			if _, err := fw.Write(data); err != nil {
				continue
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitParts(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var parts [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[i:end])
	}
	return parts
}
