package job

import "time"

// JobType defines what kind of workload a job runs
type JobType string

const (
	JobTypeTrain         JobType = "TRAIN"
	JobTypeEval          JobType = "EVAL"
	JobTypeExport        JobType = "EXPORT"
	JobTypeDownloadModel JobType = "DOWNLOAD_MODEL"
	JobTypeGenerate      JobType = "GENERATE"
	JobTypeRemote        JobType = "REMOTE"
)

// JobStatus represents the authoritative state of a job
type JobStatus string

const (
	StatusCreated   JobStatus = "CREATED"
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusComplete  JobStatus = "COMPLETE"
	StatusFailed    JobStatus = "FAILED"
	StatusStopped   JobStatus = "STOPPED"
	StatusCancelled JobStatus = "CANCELLED"
)

// LiveStatus is the best-effort signal reported from inside the remote
// command itself, independent of the polled JobStatus.
type LiveStatus string

const (
	LiveStarted  LiveStatus = "started"
	LiveFinished LiveStatus = "finished"
	LiveCrashed  LiveStatus = "crashed"
)

// Completion status values recorded in job_data on terminal transitions.
const (
	CompletionSuccess       = "success"
	CompletionFailed        = "failed"
	CompletionStopped       = "stopped"
	CompletionQuotaExceeded = "quota_exceeded"
	CompletionOnRestart     = "cancelled_on_restart"
)

// Well-known job_data keys. Everything plugin-specific lives in the same
// bag and is read defensively.
const (
	DataTaskName          = "task_name"
	DataPlugin            = "plugin"
	DataClusterName       = "cluster_name"
	DataProviderName      = "provider_name"
	DataProviderType      = "provider_type"
	DataProviderJobID     = "provider_job_id"
	DataArtifacts         = "artifacts"
	DataCompletionStatus  = "completion_status"
	DataCompletionDetails = "completion_details"
	DataLiveStatus        = "live_status"
	DataCheckpointsDir    = "checkpoints_dir"
	DataOutputDir         = "output_dir"
	DataModelName         = "model_name"
	DataMetrics           = "metrics"
	DataSweepParams       = "sweep_params"
	DataSweepParentID     = "sweep_parent_id"
	DataSweepChildren     = "sweep_children"
	DataSweepMetric       = "sweep_metric"
	DataSweepLowerBetter  = "sweep_lower_is_better"
	DataSweepWinner       = "sweep_winner"
	DataSweepWinnerValue  = "sweep_winner_value"
	DataUserInfo          = "user_info"
	DataMinutesReserved   = "minutes_reserved"
	DataStartedAt         = "started_at"
)

// JobData is the open extension bag carried by every job. Missing keys are
// tolerated everywhere it is read.
type JobData map[string]any

// Job is the document persisted per job in the resource store. The envelope
// is strongly typed; plugin-specific fields live in JobData.
type Job struct {
	ID           string    `json:"id"`
	Type         JobType   `json:"type"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	TeamID       uint      `json:"team_id"`
	UserID       uint      `json:"user_id"`
	JobData      JobData   `json:"job_data"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

// allowed transition edges of the state machine
var transitions = map[JobStatus][]JobStatus{
	StatusCreated: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusStopped, StatusFailed, StatusCancelled},
	StatusRunning: {StatusComplete, StatusFailed, StatusStopped, StatusCancelled},
}

// CanTransition reports whether moving from -> to follows an allowed edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRemote reports whether the job was dispatched to a remote provider.
func (j *Job) IsRemote() bool {
	name := j.JobData.String(DataProviderName)
	return name != "" && name != "local"
}

// String reads a string value from the bag, returning "" when the key is
// absent or has a different type.
func (d JobData) String(key string) string {
	if d == nil {
		return ""
	}
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Float reads a numeric value from the bag. JSON round-trips land numbers as
// float64; int values written in-process are handled too.
func (d JobData) Float(key string) (float64, bool) {
	if d == nil {
		return 0, false
	}
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// StringSlice reads a list of strings from the bag, tolerating the []any
// shape produced by JSON decoding.
func (d JobData) StringSlice(key string) []string {
	if d == nil {
		return nil
	}
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map reads a nested object from the bag.
func (d JobData) Map(key string) map[string]any {
	if d == nil {
		return nil
	}
	if v, ok := d[key].(map[string]any); ok {
		return v
	}
	return nil
}
