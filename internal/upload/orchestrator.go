// Package upload implements the concurrent upload orchestrator: directory
// walk, remote directory materialization, and bounded-parallel per-file
// chunked upload with progress reporting.
package upload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wopan/gateway/internal/upstream"
)

// MaxParallelCeiling is the hard upper bound on concurrent file uploads
// within one job; the upstream tolerates little more than this.
const MaxParallelCeiling = 2

// ItemState is the lifecycle of one file within a job.
type ItemState string

const (
	ItemWaiting   ItemState = "waiting"
	ItemUploading ItemState = "uploading"
	ItemSuccess   ItemState = "success"
	ItemFailed    ItemState = "failed"
)

// Item is one file discovered under a job's local root.
type Item struct {
	AbsolutePath string
	RelativePath string // forward-slash normalized, relative to localRoot
	SizeBytes    int64

	mu           sync.Mutex
	state        ItemState
	progress     int
	errorMessage string
	fid          string
}

func (it *Item) snapshot() (ItemState, int, string, string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state, it.progress, it.errorMessage, it.fid
}

func (it *Item) setState(s ItemState) {
	it.mu.Lock()
	it.state = s
	it.mu.Unlock()
}

func (it *Item) setProgress(p int) {
	it.mu.Lock()
	it.progress = p
	it.mu.Unlock()
}

func (it *Item) setFailed(msg string) {
	it.mu.Lock()
	it.state = ItemFailed
	it.errorMessage = msg
	it.mu.Unlock()
}

func (it *Item) setSucceeded(fid string) {
	it.mu.Lock()
	it.state = ItemSuccess
	it.progress = 100
	it.fid = fid
	it.mu.Unlock()
}

// ItemReport is a read-only snapshot of one item, for callers polling job
// progress.
type ItemReport struct {
	RelativePath string
	SizeBytes    int64
	State        ItemState
	Progress     int
	ErrorMessage string
	Fid          string
}

// Reporter relays per-operation outcomes back to the token pool, mirroring
// the gateway's C5 → C4 data flow.
type Reporter interface {
	ReportSuccess(token string)
	ReportError(token, reason string)
}

// Job is one upload operation: a local path (file or directory tree)
// destined for a remote parent directory.
type Job struct {
	LocalRoot      string
	RemoteParentID string
	Items          []*Item

	mu             sync.Mutex
	directoryCache map[string]string // relative dir path ("" = root) -> remote directory id
	logger         *slog.Logger
}

// NewJob walks localPath and builds a Job targeting remoteParentID. A
// regular file produces a single-item job; a directory is walked
// deterministically, collecting every regular file.
func NewJob(localPath, remoteParentID string, logger *slog.Logger) (*Job, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}

	j := &Job{
		LocalRoot:      localPath,
		RemoteParentID: remoteParentID,
		directoryCache: map[string]string{"": remoteParentID},
		logger:         logger,
	}

	if !info.IsDir() {
		j.Items = append(j.Items, &Item{
			AbsolutePath: localPath,
			RelativePath: filepath.Base(localPath),
			SizeBytes:    info.Size(),
			state:        ItemWaiting,
		})
		return j, nil
	}

	var paths []string
	err = filepath.WalkDir(localPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	for _, p := range paths {
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		j.Items = append(j.Items, &Item{
			AbsolutePath: p,
			RelativePath: filepath.ToSlash(rel),
			SizeBytes:    fi.Size(),
			state:        ItemWaiting,
		})
	}
	return j, nil
}

// Reports returns a snapshot of every item's current state.
func (j *Job) Reports() []ItemReport {
	out := make([]ItemReport, len(j.Items))
	for i, it := range j.Items {
		state, progress, errMsg, fid := it.snapshot()
		out[i] = ItemReport{
			RelativePath: it.RelativePath,
			SizeBytes:    it.SizeBytes,
			State:        state,
			Progress:     progress,
			ErrorMessage: errMsg,
			Fid:          fid,
		}
	}
	return out
}

// ensureDirectory materializes the remote directory chain for relDir
// ("a/b/c"), reusing the cache for any prefix already created, and
// returns the terminal segment's directory id. Callers must not hold j.mu.
func (j *Job) ensureDirectory(client *upstream.Client, reporter Reporter, relDir string) (string, error) {
	if relDir == "" {
		j.mu.Lock()
		id := j.directoryCache[""]
		j.mu.Unlock()
		return id, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	segments := strings.Split(relDir, "/")
	current := ""
	currentID := j.directoryCache[""]

	for _, seg := range segments {
		next := current
		if next == "" {
			next = seg
		} else {
			next = next + "/" + seg
		}

		if id, ok := j.directoryCache[next]; ok {
			current, currentID = next, id
			continue
		}

		newID, err := client.CreateDirectory(currentID, seg)
		if err != nil {
			reporter.ReportError(client.Token(), err.Error())
			return "", fmt.Errorf("upload: creating directory %q: %w", next, err)
		}
		reporter.ReportSuccess(client.Token())

		j.directoryCache[next] = newID
		current, currentID = next, newID
	}
	return currentID, nil
}

// Run materializes every item's remote directory and uploads all items with
// bounded parallelism, reporting per-operation outcomes through reporter. It
// returns nothing: per-item failures (including a local file that vanished
// between NewJob and Run) are recorded in each Item's state.
func (j *Job) Run(client *upstream.Client, reporter Reporter) {
	maxParallel := MaxParallelCeiling
	if len(j.Items) < maxParallel {
		maxParallel = len(j.Items)
	}
	if maxParallel <= 0 {
		return
	}

	if err := j.runParallel(client, reporter, maxParallel); err != nil {
		j.logger.Warn("bounded-parallel upload executor failed to start, falling back to sequential", "err", err)
		j.runSequential(client, reporter)
	}
}

// runParallel drives the worker-pool chunked-upload loop: a fixed set of
// workers pull item indices off workch and report completion on donech. A
// panic during worker start-up (modeling executor-exhaustion failure) is
// recovered and surfaced as an error so Run can fall back to sequential.
func (j *Job) runParallel(client *upstream.Client, reporter Reporter, workers int) (startErr error) {
	defer func() {
		if r := recover(); r != nil {
			startErr = fmt.Errorf("upload: executor start-up panic: %v", r)
		}
	}()

	workch := make(chan int)
	donech := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workch {
				j.uploadOne(client, reporter, j.Items[idx])
				donech <- struct{}{}
			}
		}()
	}

	go func() {
		for i := range j.Items {
			workch <- i
		}
		close(workch)
	}()

	for range j.Items {
		<-donech
	}
	wg.Wait()
	return nil
}

// runSequential uploads every not-yet-terminal item one at a time.
func (j *Job) runSequential(client *upstream.Client, reporter Reporter) {
	for _, it := range j.Items {
		state, _, _, _ := it.snapshot()
		if state == ItemSuccess || state == ItemFailed {
			continue
		}
		j.uploadOne(client, reporter, it)
	}
}

// uploadOne materializes it's parent directory (if needed) and drives the
// chunked upload, updating it's state/progress as it goes. Failures are
// recorded on the item only; they never propagate to the caller.
func (j *Job) uploadOne(client *upstream.Client, reporter Reporter, it *Item) {
	it.setState(ItemUploading)

	relDir := filepath.ToSlash(filepath.Dir(it.RelativePath))
	if relDir == "." {
		relDir = ""
	}

	directoryID, err := j.ensureDirectory(client, reporter, relDir)
	if err != nil {
		it.setFailed(err.Error())
		return
	}

	f, err := os.Open(it.AbsolutePath)
	if err != nil {
		it.setFailed(err.Error())
		return
	}
	defer f.Close()

	fileName := filepath.Base(it.RelativePath)
	fid, err := client.UploadFile(f, it.SizeBytes, fileName, directoryID, func(cp upstream.ChunkProgress) {
		if cp.TotalBytes == 0 {
			it.setProgress(100)
			return
		}
		it.setProgress(int(cp.SentBytes * 100 / cp.TotalBytes))
	})
	if err != nil {
		reporter.ReportError(client.Token(), err.Error())
		it.setFailed(err.Error())
		return
	}

	reporter.ReportSuccess(client.Token())
	it.setSucceeded(fid)
}
