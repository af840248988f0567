// Package types provides the wire and on-disk data types shared by the
// supervisor, session log store, and relay transport.
package types

// RecordType is the closed set of kinds a session log record may carry.
type RecordType string

const (
	RecordUserMessage      RecordType = "user_message"
	RecordAssistantMessage RecordType = "assistant_message"
	RecordStreamEvent      RecordType = "stream_event"
	RecordToolUse          RecordType = "tool_use"
	RecordToolResult       RecordType = "tool_result"
	RecordSystemInit       RecordType = "system_init"
	RecordSystemStatus     RecordType = "system_status"
	RecordQueueOperation   RecordType = "queue_operation"
	RecordCompactBoundary  RecordType = "compact_boundary"
	RecordResultSummary    RecordType = "result_summary"
)

// internalRecordTypes are book-keeping kinds filtered out of Read() results.
var internalRecordTypes = map[RecordType]bool{
	RecordQueueOperation:  true,
	RecordCompactBoundary: true,
}

// IsInternal reports whether a record kind is server book-keeping that
// Session Log Store reads must filter out.
func (t RecordType) IsInternal() bool {
	return internalRecordTypes[t]
}

// Record is one line of a session log: a tagged variant over the record
// kinds below. Every application-level record carries UUID/ParentUUID/
// Timestamp; system/queue records use Subtype instead.
type Record struct {
	Type      RecordType `json:"type"`
	UUID      string     `json:"uuid,omitempty"`
	ParentUUID string    `json:"parentUuid,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Subtype   string     `json:"subtype,omitempty"`
	Payload   Payload    `json:"payload,omitempty"`
}

// Payload is the free-form content of a record: either plain text or a
// content-block sequence.
type Payload struct {
	Text    string         `json:"text,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ContentBlockType is the closed union of content block kinds.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockThinking   ContentBlockType = "thinking"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is a tagged variant over text/thinking/tool_use/tool_result.
// Edit-diff augmentation is computed lazily by an external collaborator;
// the core only ever stores the raw ToolUse.Input.
type ContentBlock struct {
	Type       ContentBlockType `json:"type"`
	Text       string         `json:"text,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	ToolName   string         `json:"name,omitempty"`
	ToolInput  map[string]any `json:"input,omitempty"`
	ToolResult string         `json:"content,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}
