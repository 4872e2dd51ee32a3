// Package types defines the shared domain records used across the ingestion
// and serving backbone: raw and processed messages, conversation turns,
// queue requests, and voice/transcription records. These types form the
// lingua franca between the Discord adapter, the pipeline, the stores, and
// the agent — cross-cutting data structures live here to avoid import cycles.
package types

import "time"

// ErrorPolicy controls how the Message Pipeline reacts to a failed stage.
type ErrorPolicy string

const (
	// PolicySkip logs the failure and continues processing the batch,
	// marking only the failing message as failed.
	PolicySkip ErrorPolicy = "skip"

	// PolicyStop aborts the batch and initiates shutdown of that server's
	// ingestion on the first failure.
	PolicyStop ErrorPolicy = "stop"
)

// ServerConfig is the authoritative per-server policy row owned by the
// Config Registry. It is created once by the setup flow and never deleted;
// only error_policy and embedding_model_id are considered immutable once set.
type ServerConfig struct {
	ServerID            string
	ServerName          string
	ErrorPolicy         ErrorPolicy
	EmbeddingModelID    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Channel identifies the Discord channel a message was posted in.
type Channel struct {
	ID   string
	Name string
}

// Author identifies the Discord user who sent a message.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	GlobalName  string
	Nick        string
	Bot         bool
}

// DisplayPriority returns the best human-facing name for Author, honoring
// the priority display_name > global_name > nick > username required by the
// search_messages tool formatting contract.
func (a Author) DisplayPriority() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.GlobalName != "":
		return a.GlobalName
	case a.Nick != "":
		return a.Nick
	default:
		return a.Username
	}
}

// RawMessage is the Discord adapter's normalized view of one inbound event
// or historical-fetch record, before any pipeline processing.
type RawMessage struct {
	MessageID   string
	ServerID    string
	Channel     Channel
	Author      Author
	Content     string
	Attachments []string // attachment URLs
	Timestamp   time.Time
	ReplyTo     *string
	Edited      bool
	Pinned      bool
}

// ProcessedStatus is the terminal state of a ProcessedMessage.
type ProcessedStatus string

const (
	StatusPrepared ProcessedStatus = "prepared"
	StatusStored   ProcessedStatus = "stored"
	StatusFailed   ProcessedStatus = "failed"
)

// NormalizedMetadata is the canonical, UTC-normalized metadata record
// written alongside a message's embedding.
type NormalizedMetadata struct {
	AuthorName        string
	AuthorDisplayName string
	AuthorGlobalName  string
	AuthorNick        string
	ChannelName       string
	Timestamp         time.Time
	MessageID         string
	ServerID          string
}

// LinkSummary is the product of fetching, cleaning, and summarizing a single
// URL found in a message. It is discarded (never persisted standalone) if
// the fetch fails; it exists only embedded inside a ProcessedMessage.
type LinkSummary struct {
	URL     string
	Summary string
	Tokens  int
	Elapsed time.Duration
}

// ExtractionResults bundles everything the Extraction Workers produced for
// one message: link summaries, image captions, and parsed mentions.
type ExtractionResults struct {
	LinkSummaries  []LinkSummary
	ImageCaptions  []string
	MentionedUsers []string
	MentionedChans []string
}

// ProcessedMessage is the Message Pipeline's output record: the composite
// embedding text, its vector, normalized metadata, and extraction byproducts.
type ProcessedMessage struct {
	MessageID     string
	ServerID      string
	EmbeddingText string
	Embedding     []float32
	Metadata      NormalizedMetadata
	Extractions   ExtractionResults
	Status        ProcessedStatus
}

// Role identifies the speaker of a ConvTurn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConvTurn is one append-only row in the Conversation Store. ServerID is the
// literal string "0" for direct-message turns, per the data model.
type ConvTurn struct {
	ID        int64
	UserID    string
	ServerID  string
	Role      Role
	Content   string
	Timestamp time.Time
	SessionID string
}

// RequestType distinguishes the two kinds of dispatchable QueueRequest.
type RequestType string

const (
	RequestChat  RequestType = "chat"
	RequestVoice RequestType = "voice"
)

// RequestStatus is the lifecycle state of a QueueRequest.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusReqFailed  RequestStatus = "failed"
)

// OriginRef identifies where a QueueRequest's status updates and final
// response should be delivered back to.
type OriginRef struct {
	ChannelID string
	MessageID string // status message id, once one has been sent; empty until then
}

// QueueRequest is one pending or in-flight unit of work in the Request Queue.
type QueueRequest struct {
	ID          string
	UserID      string
	ServerID    string
	Message     string
	RequestType RequestType
	EnqueuedAt  time.Time
	Status      RequestStatus
	Origin      OriginRef
}

// VoiceSession is one lifecycle instance of a private voice channel created
// on a user's request.
type VoiceSession struct {
	ID        string
	UserID    string
	GuildID   string
	ChannelID string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Transcription is one appended row of speech-to-text output within a
// VoiceSession. ChunkIndex is strictly increasing within a session.
type Transcription struct {
	SessionID  string
	ChunkIndex int
	Text       string
	Confidence float64
	DurationS  float64
	Timestamp  time.Time
}
