package messages

import (
	"encoding/json"
	"fmt"
)

// Type identifies a message variant.
type Type string

// Router message types.
const (
	TypeStartGeneration    Type = "START_GENERATION"
	TypeCancelJob          Type = "CANCEL_JOB"
	TypeApplyAndGenerate   Type = "APPLY_AND_GENERATE"
	TypeApplyPrompt        Type = "APPLY_PROMPT"
	TypeProgressUpdate     Type = "PROGRESS_UPDATE"
	TypeImageReady         Type = "IMAGE_READY"
	TypeGenerationComplete Type = "GENERATION_COMPLETE"
	TypeGenerationError    Type = "GENERATION_ERROR"
	TypeDownloadImage      Type = "DOWNLOAD_IMAGE"
	TypeOpenOrFocusTab     Type = "OPEN_OR_FOCUS_TAB"
	TypeGetPageState       Type = "GET_PAGE_STATE"
	TypePageState          Type = "PAGE_STATE"
	TypeError              Type = "ERROR"
)

// Coordination message types.
const (
	TypeLoginRequiredCheck   Type = "LOGIN_REQUIRED_CHECK"
	TypeLoginRequiredResult  Type = "LOGIN_REQUIRED_RESULT"
	TypeLoginCompletedCheck  Type = "LOGIN_COMPLETED_CHECK"
	TypeLoginCompletedResult Type = "LOGIN_COMPLETED_RESULT"
	TypePauseRunningJob      Type = "PAUSE_RUNNING_JOB"
	TypeJobPauseResult       Type = "JOB_PAUSE_RESULT"
	TypeSaveJobState         Type = "SAVE_JOB_STATE"
	TypeJobSaveResult        Type = "JOB_SAVE_RESULT"
	TypeResumeSavedJob       Type = "RESUME_SAVED_JOB"
	TypeJobResumeResult      Type = "JOB_RESUME_RESULT"
	TypeLoginCacheReset      Type = "LOGIN_CACHE_RESET"
	TypeLoginCacheCleared    Type = "LOGIN_CACHE_CLEARED"
	TypeLoginDetectionError  Type = "LOGIN_DETECTION_ERROR"
	TypeNetworkStateChanged  Type = "NETWORK_STATE_CHANGED"
	TypeJobPaused            Type = "JOB_PAUSED"
	TypeJobResumed           Type = "JOB_RESUMED"
	TypeResumeJob            Type = "RESUME_JOB"
)

var knownTypes = map[Type]struct{}{
	TypeStartGeneration: {}, TypeCancelJob: {}, TypeApplyAndGenerate: {}, TypeApplyPrompt: {},
	TypeProgressUpdate: {}, TypeImageReady: {}, TypeGenerationComplete: {}, TypeGenerationError: {},
	TypeDownloadImage: {}, TypeOpenOrFocusTab: {}, TypeGetPageState: {}, TypePageState: {},
	TypeError: {}, TypeLoginRequiredCheck: {}, TypeLoginRequiredResult: {},
	TypeLoginCompletedCheck: {}, TypeLoginCompletedResult: {}, TypePauseRunningJob: {},
	TypeJobPauseResult: {}, TypeSaveJobState: {}, TypeJobSaveResult: {}, TypeResumeSavedJob: {},
	TypeJobResumeResult: {}, TypeLoginCacheReset: {}, TypeLoginCacheCleared: {},
	TypeLoginDetectionError: {}, TypeNetworkStateChanged: {}, TypeJobPaused: {},
	TypeJobResumed: {}, TypeResumeJob: {},
}

// KnownType reports whether t belongs to the closed set of message types.
func KnownType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is the wire envelope for every frame.
type Message struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// New encodes payload into a message of the given type. A nil payload
// produces a message without one.
func New(t Type, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// MustNew is New for payloads that are known to encode.
func MustNew(t Type, payload any) Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// WithRequestID returns a copy of m carrying id.
func (m Message) WithRequestID(id string) Message {
	m.RequestID = id
	return m
}

// Decode unmarshals the payload of m into T. A missing payload decodes as
// the zero value.
func Decode[T any](m Message) (T, error) {
	var out T
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return out, nil
}

// PayloadRequestID returns the requestId nested inside the payload, if any.
func PayloadRequestID(m Message) string {
	var head struct {
		RequestID string `json:"requestId"`
	}
	if len(m.Payload) == 0 {
		return ""
	}
	if err := json.Unmarshal(m.Payload, &head); err != nil {
		return ""
	}
	return head.RequestID
}
