package scanner

import (
	"github.com/Jeffail/tunny"
)

// parallelThreshold is the minimum candidate-file count before the
// bounded worker pool is used at all.
const parallelThreshold = 10

// defaultPoolSize is the worker pool's default width.
const defaultPoolSize = 4

type hashJob struct {
	path string
}

type hashResult struct {
	path string
	hash string
	err  error
}

// hashWorker computes one file's content hash per Process call; it is
// otherwise stateless.
type hashWorker struct {
	hashFile func(path string) (string, error)
}

func (w hashWorker) Process(data interface{}) interface{} {
	job := data.(hashJob)
	hash, err := w.hashFile(job.path)
	return hashResult{path: job.path, hash: hash, err: err}
}

func (w hashWorker) BlockUntilReady() {}
func (w hashWorker) Interrupt()       {}
func (w hashWorker) Terminate()       {}

// hashAllParallel hashes every path in paths using a bounded worker
// pool of size workers, returning a map of path to content hash. The
// pool bounds concurrency; callers may dispatch all jobs without their
// own semaphore.
func hashAllParallel(paths []string, workers int, hashFile func(path string) (string, error)) (map[string]string, []error) {
	if workers <= 0 {
		workers = defaultPoolSize
	}

	pool := tunny.New(workers, func() tunny.Worker {
		return hashWorker{hashFile: hashFile}
	})
	defer pool.Close()

	results := make([]hashResult, len(paths))
	done := make(chan struct{}, len(paths))
	for i, p := range paths {
		go func(i int, p string) {
			defer func() { done <- struct{}{} }()
			out := pool.Process(hashJob{path: p})
			results[i] = out.(hashResult)
		}(i, p)
	}
	for range paths {
		<-done
	}

	hashes := make(map[string]string, len(paths))
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		hashes[r.path] = r.hash
	}
	return hashes, errs
}
