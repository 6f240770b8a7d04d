// Package pool runs a bounded set of transcription workers over a single
// priority queue of finalized utterances. Longer, recent and confident
// utterances are served first; a failed utterance never stops the pool.
package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/relay-voice-lab/internal/audio"
	"github.com/relay-voice-lab/internal/config"
	"github.com/relay-voice-lab/internal/logging"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/transcribe"
)

// SpeakerDirectory answers whether a speaker is still part of the session.
// Tasks for speakers that left between enqueue and dequeue are dropped.
type SpeakerDirectory interface {
	Tracked(speaker string) bool
	LastActivity(speaker string) (time.Time, bool)
}

// Events are invoked from worker goroutines.
type Events struct {
	// Result delivers a successful transcription with its wall latency.
	Result func(u *audio.Utterance, res transcribe.Result, latency time.Duration)
	// Error reports a failed or timed-out transcription.
	Error func(u *audio.Utterance, err error)
	// HighWater fires once each time queue depth crosses the configured
	// threshold from below.
	HighWater func(depth int)
}

// Options wires a Pool.
type Options struct {
	Config      config.PoolConfig
	TaskTimeout time.Duration // per-utterance transcription bound
	Transcriber transcribe.Transcriber
	Directory   SpeakerDirectory
	Events      Events
	Metrics     *metrics.Metrics
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Enqueued   uint64
	Processed  uint64
	Succeeded  uint64
	Failed     uint64
	Dropped    uint64
	QueueDepth int
	AvgLatency time.Duration
}

// Task is one queued utterance with its computed priority.
type Task struct {
	Utterance  *audio.Utterance
	Priority   int
	EnqueuedAt time.Time
	seq        uint64 // FIFO tie-break within equal priority
}

// taskHeap orders by priority descending, then enqueue order ascending.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Pool is the utterance processing pool: one producer, N workers.
type Pool struct {
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskHeap
	nextSeq   uint64
	closed    bool
	aboveHWM  bool
	enqueued  uint64
	processed uint64
	succeeded uint64
	failed    uint64
	dropped   uint64
	totalLat  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped pool; call Start to launch the workers.
func New(opts Options) *Pool {
	p := &Pool{opts: opts}
	p.cond = sync.NewCond(&p.mu)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start launches the configured number of workers.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Infow("transcription pool started", "workers", p.opts.Config.Workers)
}

// priority scores an utterance at enqueue time. Higher is served first.
func (p *Pool) priority(u *audio.Utterance) int {
	cfg := p.opts.Config
	score := 1
	switch {
	case u.Duration > cfg.LongDuration:
		score += 2
	case u.Duration > cfg.MediumDuration:
		score += 1
	}
	if last, ok := p.opts.Directory.LastActivity(u.Speaker); ok && time.Since(last) <= cfg.RecentActivity {
		score += 1
	}
	if u.MeanConfidence > cfg.HighConfidence {
		score += 1
	}
	return score
}

// Enqueue scores and queues one utterance. Returns false once the pool is
// shut down.
func (p *Pool) Enqueue(u *audio.Utterance) bool {
	task := &Task{
		Utterance:  u,
		Priority:   p.priority(u),
		EnqueuedAt: time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	task.seq = p.nextSeq
	p.nextSeq++
	heap.Push(&p.queue, task)
	p.enqueued++
	depth := len(p.queue)
	alarm := false
	if hwm := p.opts.Config.HighWaterMark; hwm > 0 && depth >= hwm && !p.aboveHWM {
		p.aboveHWM = true
		alarm = true
	}
	p.mu.Unlock()

	p.opts.Metrics.TasksEnqueued.Inc()
	p.opts.Metrics.QueueDepth.Set(float64(depth))
	p.cond.Signal()

	if alarm {
		logging.Warnw("transcription queue high-water mark crossed", "depth", depth)
		if p.opts.Events.HighWater != nil {
			p.opts.Events.HighWater(depth)
		}
	}
	return true
}

// dequeue blocks until a task is available or the pool closes.
func (p *Pool) dequeue() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}
	task := heap.Pop(&p.queue).(*Task)
	depth := len(p.queue)
	if p.aboveHWM && depth < p.opts.Config.HighWaterMark {
		p.aboveHWM = false
	}
	p.opts.Metrics.QueueDepth.Set(float64(depth))
	return task, true
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.dequeue()
		if !ok {
			return
		}
		p.process(id, task)
	}
}

// process runs one task end to end. All failure modes are recovered
// locally; the worker moves on to the next task.
func (p *Pool) process(id int, task *Task) {
	u := task.Utterance

	if !p.opts.Directory.Tracked(u.Speaker) {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.opts.Metrics.TasksDropped.Inc()
		logging.Debugw("dropping utterance for departed speaker", "speaker", u.Speaker, "utterance_id", u.ID)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.TaskTimeout)
	start := time.Now()
	res, err := p.opts.Transcriber.Transcribe(ctx, transcribe.Request{
		PCM:           u.PCM(),
		SampleRate:    u.SampleRate(),
		CorrelationID: u.ID,
	})
	cancel()
	latency := time.Since(start)

	p.mu.Lock()
	p.processed++
	if err != nil {
		p.failed++
	} else {
		p.succeeded++
		p.totalLat += latency
	}
	p.mu.Unlock()

	if err != nil {
		p.opts.Metrics.TranscriptionFailures.Inc()
		logging.Warnw("transcription failed",
			"worker", id, "speaker", u.Speaker, "utterance_id", u.ID, "error", err)
		if p.opts.Events.Error != nil {
			p.opts.Events.Error(u, err)
		}
		return
	}

	p.opts.Metrics.TranscriptionSuccess.Inc()
	p.opts.Metrics.TranscriptionLatency.Observe(latency.Seconds())
	logging.Debugw("transcription complete",
		"worker", id, "speaker", u.Speaker, "utterance_id", u.ID,
		"latency_ms", latency.Milliseconds(), "chars", len(res.Text))
	if p.opts.Events.Result != nil {
		p.opts.Events.Result(u, res, latency)
	}
}

// Shutdown closes the intake, waits up to the configured grace for
// in-flight work, then cancels stragglers and drains leftovers
// unprocessed. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.Config.ShutdownGrace):
		logging.Warnw("shutdown grace expired, cancelling in-flight transcriptions")
		p.cancel()
		<-done
	}
	p.cancel()

	p.mu.Lock()
	remaining := len(p.queue)
	p.dropped += uint64(remaining)
	p.queue = nil
	p.mu.Unlock()
	p.opts.Metrics.QueueDepth.Set(0)
	if remaining > 0 {
		logging.Infow("drained unprocessed utterances on shutdown", "count", remaining)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Enqueued:   p.enqueued,
		Processed:  p.processed,
		Succeeded:  p.succeeded,
		Failed:     p.failed,
		Dropped:    p.dropped,
		QueueDepth: len(p.queue),
	}
	if p.succeeded > 0 {
		s.AvgLatency = p.totalLat / time.Duration(p.succeeded)
	}
	return s
}
