package cloudtasks_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"openscan3/internal/cloudtasks"
	"openscan3/internal/network"
	"openscan3/internal/project"
	"openscan3/internal/tasks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntilTerminal(t *testing.T, m *tasks.Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.Get(id)
		require.NoError(t, err)
		if got.Status.IsTerminal() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not reach a terminal status in time", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newByteServer(data []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
}

func testStore(t *testing.T) *project.Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := project.Open(db)
	require.NoError(t, err)
	return store
}

// fakeRemote is an in-memory RemoteClient for tests.
type fakeRemote struct {
	mu       sync.Mutex
	nextID   int
	uploaded map[string][][]byte
	status   map[string]cloudtasks.RemoteStatus
	readyURL string
}

func newFakeRemote(readyURL string) *fakeRemote {
	return &fakeRemote{
		uploaded: make(map[string][][]byte),
		status:   make(map[string]cloudtasks.RemoteStatus),
		readyURL: readyURL,
	}
}

func (f *fakeRemote) CreateProject(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := name + "-remote"
	f.status[id] = cloudtasks.RemoteReady
	return id, nil
}

func (f *fakeRemote) UploadPart(ctx context.Context, remoteID string, partIndex, totalParts int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[remoteID] = append(f.uploaded[remoteID], append([]byte(nil), data...))
	return nil
}

func (f *fakeRemote) StartProcessing(ctx context.Context, remoteID string) error {
	return nil
}

func (f *fakeRemote) PollStatus(ctx context.Context, remoteID string) (cloudtasks.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[remoteID], nil
}

func (f *fakeRemote) DownloadURL(ctx context.Context, remoteID string) (string, error) {
	return f.readyURL, nil
}

func setupManager(t *testing.T, reg tasks.Registration) *tasks.Manager {
	t.Helper()
	registry := tasks.NewRegistry()
	require.NoError(t, registry.Register(reg, tasks.RegisterOptions{}))
	store, err := tasks.NewFileStore(t.TempDir())
	require.NoError(t, err)
	publisher := tasks.NewPublisher(discardLogger())
	return tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{MaxCooperative: 2})
}

func TestUploadTaskZipsAndUploadsPhotos(t *testing.T) {
	store := testStore(t)
	proj, err := store.GetProjectByName("upload-me")
	require.NoError(t, err)
	scan, err := store.AddScan(proj.ID, "scan-1", 1, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	photoPath := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(photoPath, []byte("fake-jpeg-bytes"), 0o644))
	require.NoError(t, store.AddPhotoAsync(scan.ID, 0, 0, photoPath))

	remote := newFakeRemote("")
	constructor := cloudtasks.UploadConstructor(store, remote, network.NewBandwidthManager(), network.NewCongestionController(1, 4))

	m := setupManager(t, tasks.Registration{Name: cloudtasks.UploadTaskName, New: constructor})
	rec, err := m.CreateAndRun(cloudtasks.UploadTaskName, map[string]string{"project_name": "upload-me"})
	require.NoError(t, err)

	waitUntilTerminal(t, m, rec.ID)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusCompleted, got.Status)

	reloaded, err := store.GetProject(proj.ID)
	require.NoError(t, err)
	require.True(t, reloaded.Uploaded)

	require.NotEmpty(t, remote.uploaded["upload-me-remote"])
}

func TestUploadTaskRejectsAlreadyUploadedProject(t *testing.T) {
	store := testStore(t)
	proj, err := store.GetProjectByName("dup")
	require.NoError(t, err)
	scan, err := store.AddScan(proj.ID, "scan-1", 1, nil)
	require.NoError(t, err)
	dir := t.TempDir()
	photoPath := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(photoPath, []byte("data"), 0o644))
	require.NoError(t, store.AddPhotoAsync(scan.ID, 0, 0, photoPath))

	proj.Uploaded = true
	require.NoError(t, store.SaveProject(proj))

	remote := newFakeRemote("")
	constructor := cloudtasks.UploadConstructor(store, remote, network.NewBandwidthManager(), network.NewCongestionController(1, 4))
	m := setupManager(t, tasks.Registration{Name: cloudtasks.UploadTaskName, New: constructor})

	rec, err := m.CreateAndRun(cloudtasks.UploadTaskName, map[string]string{"project_name": "dup"})
	require.NoError(t, err)
	waitUntilTerminal(t, m, rec.ID)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusError, got.Status)
	require.Contains(t, got.Error, "already uploaded")
}

func TestDownloadTaskInstallsArchive(t *testing.T) {
	store := testStore(t)
	proj, err := store.GetProjectByName("download-me")
	require.NoError(t, err)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	fw, err := zw.Create("model.obj")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake model data"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	server := newByteServer(zipBuf.Bytes())
	defer server.Close()

	remote := newFakeRemote(server.URL)
	remote.status["download-me-remote"] = cloudtasks.RemoteReady
	modelDir := t.TempDir()
	proj.ModelPath = modelDir
	require.NoError(t, store.SaveProject(proj))

	constructor := cloudtasks.DownloadConstructor(store, remote, network.NewBandwidthManager())
	m := setupManager(t, tasks.Registration{Name: cloudtasks.DownloadTaskName, New: constructor})

	rec, err := m.CreateAndRun(cloudtasks.DownloadTaskName, map[string]string{
		"project_name": "download-me",
		"remote_id":    "download-me-remote",
	})
	require.NoError(t, err)
	waitUntilTerminal(t, m, rec.ID)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusCompleted, got.Status)

	installed, err := os.ReadFile(filepath.Join(modelDir, "Models", "model.obj"))
	require.NoError(t, err)
	require.Equal(t, "fake model data", string(installed))
}
