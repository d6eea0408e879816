package meshing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"voxelstream/internal/world"
)

// DefaultMaxUploadsPerFrame is the FIFO drain cap from spec §4.8.
const DefaultMaxUploadsPerFrame = 5

// UploadJob is one chunk's geometry waiting to be handed to the GPU.
type UploadJob struct {
	Key      world.Key
	Version  uint32
	Geometry Geometry
}

// UploadQueue throttles GPU uploads to at most maxPerFrame per
// animation frame (spec §4.8), using a token-bucket limiter so bursts
// past the cap smooth out over consecutive frames rather than all
// landing on frame boundaries.
type UploadQueue struct {
	mu        sync.Mutex
	queue     []UploadJob
	mounted   map[world.Key]uint32
	cancelled map[world.Key]uint32
	limiter   *rate.Limiter
}

// NewUploadQueue builds a queue that admits at most maxPerFrame
// uploads per frameDuration, on average.
func NewUploadQueue(maxPerFrame int, frameDuration time.Duration) *UploadQueue {
	if maxPerFrame <= 0 {
		maxPerFrame = DefaultMaxUploadsPerFrame
	}
	if frameDuration <= 0 {
		frameDuration = time.Second / 60
	}
	return &UploadQueue{
		mounted:   make(map[world.Key]uint32),
		cancelled: make(map[world.Key]uint32),
		limiter:   rate.NewLimiter(rate.Limit(float64(maxPerFrame)/frameDuration.Seconds()), maxPerFrame),
	}
}

// Enqueue appends a completed mesh job to the FIFO.
func (q *UploadQueue) Enqueue(job UploadJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, job)
}

// Cancel marks a still-queued job for key/version as cancelled (its
// mesh worker was asked to stop, or a newer version superseded it
// before this one reached the front of the queue).
func (q *UploadQueue) Cancel(key world.Key, version uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[key] = version
}

// DrainFrame pops up to the frame's token budget off the queue. For
// each popped job: a cancelled job is dropped silently unless nothing
// is currently mounted for its chunk, in which case an empty sentinel
// geometry is returned so the chunk isn't left permanently unmeshed; a
// job superseded by an already-mounted newer version is dropped
// without overwriting the mounted geometry (spec §4.8 "Cancelled
// jobs... do not overwrite an already-mounted geometry").
func (q *UploadQueue) DrainFrame(now time.Time) []UploadJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []UploadJob
	for len(q.queue) > 0 && q.limiter.AllowN(now, 1) {
		job := q.queue[0]
		q.queue = q.queue[1:]

		if cv, cancelledHere := q.cancelled[job.Key]; cancelledHere && cv == job.Version {
			delete(q.cancelled, job.Key)
			if _, mounted := q.mounted[job.Key]; !mounted {
				q.mounted[job.Key] = job.Version
				drained = append(drained, UploadJob{Key: job.Key, Version: job.Version})
			}
			continue
		}

		if mv, mounted := q.mounted[job.Key]; mounted && mv >= job.Version {
			continue
		}

		q.mounted[job.Key] = job.Version
		drained = append(drained, job)
	}
	return drained
}

// MountedVersion reports the version currently mounted for key, 0 if
// none.
func (q *UploadQueue) MountedVersion(key world.Key) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mounted[key]
}

// QueueLength reports how many jobs are waiting.
func (q *UploadQueue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
