package store

import "time"

// OrchestrationMode values for RouteMeta.
const (
	OrchestrationAgentOnly     = "agent-only"
	OrchestrationLegacyDeliver = "legacy-deliver"
)

// DispatcherRules gates engine behavior per route.
type DispatcherRules struct {
	HeavyTaskDelegation  bool `json:"heavyTaskDelegation"`
	AckThenAsyncResult   bool `json:"ackThenAsyncResult"`
	IdempotencyRequired  bool `json:"idempotencyRequired"`
	StrictRouteIsolation bool `json:"strictRouteIsolation"`
}

// Capabilities gates outbound actions per route. A nil limit means
// unlimited.
type Capabilities struct {
	SendText      bool     `json:"sendText"`
	SendMedia     bool     `json:"sendMedia"`
	SendVoice     bool     `json:"sendVoice"`
	Skills        []string `json:"skills,omitempty"`
	MaxSendText   *int64   `json:"maxSendText,omitempty"`
	MaxSendMedia  *int64   `json:"maxSendMedia,omitempty"`
	MaxSendVoice  *int64   `json:"maxSendVoice,omitempty"`
}

// RouteMeta is the per-route record persisted at agent.json.
type RouteMeta struct {
	AgentID           string           `json:"agentId"`
	Route             string           `json:"route"`
	AccountID         string           `json:"accountId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	BoundToMain       bool             `json:"boundToMain,omitempty"`
	OrchestrationMode string           `json:"orchestrationMode"`
	DispatcherRules   DispatcherRules  `json:"dispatcherRules"`
	Capabilities      Capabilities     `json:"capabilities"`
}

// DefaultRouteMeta returns a fresh non-owner route record.
func DefaultRouteMeta(agentID, route string, now time.Time) *RouteMeta {
	return &RouteMeta{
		AgentID:           agentID,
		Route:             route,
		CreatedAt:         now,
		UpdatedAt:         now,
		OrchestrationMode: OrchestrationAgentOnly,
		DispatcherRules: DispatcherRules{
			HeavyTaskDelegation:  true,
			AckThenAsyncResult:   true,
			IdempotencyRequired:  true,
			StrictRouteIsolation: true,
		},
		Capabilities: Capabilities{SendText: true, SendMedia: true, SendVoice: true},
	}
}

// OwnerRouteMeta returns the always-full-capability, main-bound record for
// the configured owner's private route.
func OwnerRouteMeta(route string, now time.Time) *RouteMeta {
	m := DefaultRouteMeta("main", route, now)
	m.BoundToMain = true
	return m
}

// RouteUsage is the per-route counter record persisted at usage.json.
type RouteUsage struct {
	DispatchCount   int64     `json:"dispatchCount"`
	SendTextCount   int64     `json:"sendTextCount"`
	SendMediaCount  int64     `json:"sendMediaCount"`
	SendVoiceCount  int64     `json:"sendVoiceCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Mood values for ConversationState.
const (
	MoodNeutral = "neutral"
	MoodCold    = "cold"
	MoodAnnoyed = "annoyed"
	MoodTired   = "tired"
)

// ImageWindowDuration and ImageWindowMax bound the outbound image quota:
// at most 5 images per 2-hour rolling window per route.
const (
	ImageWindowDuration = 2 * time.Hour
	ImageWindowMax      = 5
)

// ConversationState is the per-route affinity/mood record at state.json.
type ConversationState struct {
	Affinity          int       `json:"affinity"`
	Mood              string    `json:"mood"`
	BanterCount       int64     `json:"banterCount"`
	ImageWindowStart  time.Time `json:"imageWindowStartMs"`
	ImageCountInWindow int      `json:"imageCountInWindow"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
}

// DefaultConversationState returns a fresh neutral-mood record.
func DefaultConversationState(now time.Time) *ConversationState {
	return &ConversationState{Mood: MoodNeutral, LastUpdatedAt: now}
}

// BumpImageWindow records one outbound image and reports whether it was
// within quota. Callers should persist the returned state regardless.
func (c *ConversationState) BumpImageWindow(now time.Time) (allowed bool) {
	if now.Sub(c.ImageWindowStart) >= ImageWindowDuration {
		c.ImageWindowStart = now
		c.ImageCountInWindow = 0
	}
	if c.ImageCountInWindow >= ImageWindowMax {
		return false
	}
	c.ImageCountInWindow++
	c.LastUpdatedAt = now
	return true
}

// TaskStatus values for TaskRecord.Status.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
)

// TaskRecord is the per-task lifecycle record.
type TaskRecord struct {
	TaskKey       string    `json:"taskKey"`
	Route         string    `json:"route"`
	MsgID         string    `json:"msgId"`
	DispatchID    string    `json:"dispatchId"`
	TaskKind      string    `json:"taskKind"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retryCount"`
	ErrorReason   string    `json:"errorReason,omitempty"`
	ResultSummary string    `json:"resultSummary,omitempty"`
	PayloadSummary string   `json:"payloadSummary"`
	At            time.Time `json:"at"`
}

// MaterializeResult is the outcome of resolving one inbound media source.
type MaterializeResult struct {
	URL              string `json:"url"`
	OutputURL        string `json:"outputUrl,omitempty"`
	Materialized     bool   `json:"materialized"`
	ErrorCode        string `json:"errorCode,omitempty"`
	HTTPStatus       int    `json:"httpStatus,omitempty"`
	RetryCount       int    `json:"retryCount,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
	FinalFilename    string `json:"finalFilename,omitempty"`
	NameSource       string `json:"nameSource,omitempty"` // hint|url|download|fallback
	ExtSource        string `json:"extSource,omitempty"`  // original|url|buffer|fallback
}

// Name/ext source constants.
const (
	NameSourceHint     = "hint"
	NameSourceURL      = "url"
	NameSourceDownload = "download"
	NameSourceFallback = "fallback"

	ExtSourceOriginal = "original"
	ExtSourceURL      = "url"
	ExtSourceBuffer   = "buffer"
	ExtSourceFallback = "fallback"
)

// AutomationState is the per-target persisted record.
type AutomationState struct {
	LastTriggeredAtMs int64  `json:"lastTriggeredAtMs,omitempty"`
	LastSentAtMs      int64  `json:"lastSentAtMs,omitempty"`
	NextEligibleAtMs  int64  `json:"nextEligibleAtMs,omitempty"`
	LastRunResult     string `json:"lastRunResult,omitempty"` // triggered|skipped|error
	LastSkipReason    string `json:"lastSkipReason,omitempty"`
	LastError         string `json:"lastError,omitempty"`
}

// AutomationStateLine is one appended automation-state.ndjson record.
type AutomationStateLine struct {
	At        time.Time `json:"at"`
	TargetID  string    `json:"targetId"`
	Route     string    `json:"route"`
	Triggered bool      `json:"triggered"`
	Produced  bool      `json:"produced"`
	Skipped   bool      `json:"skipped"`
	Note      string    `json:"note,omitempty"`
}

// ProactiveState is the per-route durable nudge state.
type ProactiveState struct {
	LastInboundAt   time.Time `json:"lastInboundAt"`
	LastProactiveAt time.Time `json:"lastProactiveAt"`
}
