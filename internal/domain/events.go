package domain

import "time"

// Event is the common contract every pipeline event satisfies: a string
// discriminator plus the publication timestamp.
type Event interface {
	Type() string
	Timestamp() int64
}

// BaseEvent supplies Type() and Timestamp() to every concrete event via
// embedding.
type BaseEvent struct {
	EventType string
	Time      int64
}

func (b BaseEvent) Type() string     { return b.EventType }
func (b BaseEvent) Timestamp() int64 { return b.Time }
func NewTimestamp() int64            { return time.Now().Unix() }

const (
	EventDiscoveryStarted           = "discovery_started"
	EventDiscoveryFinished          = "discovery_finished"
	EventQueueUpdated               = "queue_updated"
	EventJobStarted                 = "job_started"
	EventJobProgressUpdated         = "job_progress_updated"
	EventJobCompleted               = "job_completed"
	EventJobFailed                  = "job_failed"
	EventHardwareCapabilityExceeded = "hardware_capability_exceeded"
	EventActionMessage              = "action_message"
	EventRefreshRequested           = "refresh_requested"
	EventRefreshFinished            = "refresh_finished"
	EventProcessingFinished         = "processing_finished"
	EventRequestShutdown            = "request_shutdown"
	EventInterruptRequested         = "interrupt_requested"
	EventThreadControl              = "thread_control"
)

func newBase(t string) BaseEvent { return BaseEvent{EventType: t, Time: NewTimestamp()} }

// DiscoveryStarted announces that a discovery pass over a root has begun.
type DiscoveryStarted struct {
	BaseEvent
	Root string
}

func NewDiscoveryStarted(root string) DiscoveryStarted {
	return DiscoveryStarted{newBase(EventDiscoveryStarted), root}
}

// DiscoveryFinished carries the classifier's aggregate counters for a run
// or a refresh cycle.
type DiscoveryFinished struct {
	BaseEvent
	FilesFound         int
	ToProcess          int
	AlreadyCompressed  int
	IgnoredSmall       int
	IgnoredErr         int
	IgnoredAV1         int
	SourceFoldersCount int
}

func NewDiscoveryFinished(filesFound, toProcess, alreadyCompressed, ignoredSmall, ignoredErr, ignoredAV1, sourceFolders int) DiscoveryFinished {
	return DiscoveryFinished{
		BaseEvent:          newBase(EventDiscoveryFinished),
		FilesFound:         filesFound,
		ToProcess:          toProcess,
		AlreadyCompressed:  alreadyCompressed,
		IgnoredSmall:       ignoredSmall,
		IgnoredErr:         ignoredErr,
		IgnoredAV1:         ignoredAV1,
		SourceFoldersCount: sourceFolders,
	}
}

// QueueUpdated is published whenever the scheduler's pending snapshot
// changes (after every submit-on-demand top-up and every refresh).
type QueueUpdated struct {
	BaseEvent
	PendingFiles []*VideoFile
}

func NewQueueUpdated(pending []*VideoFile) QueueUpdated {
	return QueueUpdated{newBase(EventQueueUpdated), pending}
}

// JobStarted is published at most once per job, after its metadata probe
// succeeds and before it transitions to StatusProcessing. A job skipped at
// admission or failed by the probe gets no JobStarted.
type JobStarted struct {
	BaseEvent
	Job *CompressionJob
}

func NewJobStarted(job *CompressionJob) JobStarted {
	return JobStarted{newBase(EventJobStarted), job}
}

// JobProgressUpdated is published zero or more times while a job encodes.
type JobProgressUpdated struct {
	BaseEvent
	Job     *CompressionJob
	Percent float64
}

func NewJobProgressUpdated(job *CompressionJob, percent float64) JobProgressUpdated {
	return JobProgressUpdated{newBase(EventJobProgressUpdated), job, percent}
}

// JobCompleted is the terminal success event.
type JobCompleted struct {
	BaseEvent
	Job *CompressionJob
}

func NewJobCompleted(job *CompressionJob) JobCompleted {
	return JobCompleted{newBase(EventJobCompleted), job}
}

// JobFailed is the terminal failure/skip event; Status on the job
// distinguishes FAILED from SKIPPED outcomes.
type JobFailed struct {
	BaseEvent
	Job          *CompressionJob
	ErrorMessage string
}

func NewJobFailed(job *CompressionJob, errorMessage string) JobFailed {
	return JobFailed{newBase(EventJobFailed), job, errorMessage}
}

// HardwareCapabilityExceeded is published when a job ends with the GPU
// hardware-capability ceiling as its final outcome (no CPU fallback
// applied, or the fallback also failed), immediately before its JobFailed.
type HardwareCapabilityExceeded struct {
	BaseEvent
	Job *CompressionJob
}

func NewHardwareCapabilityExceeded(job *CompressionJob) HardwareCapabilityExceeded {
	return HardwareCapabilityExceeded{newBase(EventHardwareCapabilityExceeded), job}
}

// ActionMessage is transient operator feedback (thread-control acks,
// shutdown toggle acks, refresh summaries).
type ActionMessage struct {
	BaseEvent
	Message string
}

func NewActionMessage(message string) ActionMessage {
	return ActionMessage{newBase(EventActionMessage), message}
}

// RefreshRequested is a control-channel event asking the scheduler to
// re-run discovery against the same input roots.
type RefreshRequested struct{ BaseEvent }

func NewRefreshRequested() RefreshRequested {
	return RefreshRequested{newBase(EventRefreshRequested)}
}

// RefreshFinished reports how many files were added/removed by a refresh.
type RefreshFinished struct {
	BaseEvent
	Added   int
	Removed int
}

func NewRefreshFinished(added, removed int) RefreshFinished {
	return RefreshFinished{newBase(EventRefreshFinished), added, removed}
}

// ProcessingFinished is published once, on clean scheduler exit.
type ProcessingFinished struct{ BaseEvent }

func NewProcessingFinished() ProcessingFinished {
	return ProcessingFinished{newBase(EventProcessingFinished)}
}

// RequestShutdown is a control-channel event toggling graceful shutdown.
type RequestShutdown struct{ BaseEvent }

func NewRequestShutdown() RequestShutdown {
	return RequestShutdown{newBase(EventRequestShutdown)}
}

// InterruptRequested is a control-channel event signalling an operator
// interrupt (e.g. SIGINT); unlike RequestShutdown it is not a toggle.
type InterruptRequested struct{ BaseEvent }

func NewInterruptRequested() InterruptRequested {
	return InterruptRequested{newBase(EventInterruptRequested)}
}

// ThreadControlEvent is a control-channel event adjusting the live
// max-parallelism ceiling by Delta.
type ThreadControlEvent struct {
	BaseEvent
	Delta int
}

func NewThreadControlEvent(delta int) ThreadControlEvent {
	return ThreadControlEvent{newBase(EventThreadControl), delta}
}
