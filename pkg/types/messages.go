package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control message actions understood by the workers.
const (
	ActionCancelTask = "CANCEL_TASK"
)

// PendingTask is the envelope parked on the global pending_tasks list
// when no node could take a task at creation time. It is a hint only;
// the task repository stays the source of truth.
type PendingTask struct {
	TaskID     string `json:"taskId"`
	RetryCount int    `json:"retryCount"`
	AddedAt    string `json:"addedAt"`
}

// NewPendingTask builds an envelope stamped with the current time
func NewPendingTask(taskID string, retryCount int) *PendingTask {
	return &PendingTask{
		TaskID:     taskID,
		RetryCount: retryCount,
		AddedAt:    FormatTimestamp(time.Now()),
	}
}

// WorkMessage carries everything a worker needs to execute a task
// without a round-trip back to the repository.
type WorkMessage struct {
	TaskID          string   `json:"taskId"`
	AudioFilePath   string   `json:"audioFilePath,omitempty"`
	TextContent     string   `json:"textContent,omitempty"`
	SourceLanguage  string   `json:"sourceLanguage"`
	TargetLanguages []string `json:"targetLanguages"`
	OriginalText    string   `json:"originalText,omitempty"`
}

// WorkMessageForTask projects a task onto its wire form
func WorkMessageForTask(task *Task) *WorkMessage {
	return &WorkMessage{
		TaskID:          task.ID,
		AudioFilePath:   task.AudioFilePath,
		TextContent:     task.TextContent,
		SourceLanguage:  task.SourceLanguage,
		TargetLanguages: task.TargetLanguages,
		OriginalText:    task.OriginalText,
	}
}

// ControlMessage is an out-of-band command interleaved with work on a
// node's control queue.
type ControlMessage struct {
	Action    string `json:"action"`
	TaskID    string `json:"taskId"`
	Timestamp string `json:"timestamp"`
}

// NewCancelMessage builds a CANCEL_TASK control message for a task
func NewCancelMessage(taskID string) *ControlMessage {
	return &ControlMessage{
		Action:    ActionCancelTask,
		TaskID:    taskID,
		Timestamp: FormatTimestamp(time.Now()),
	}
}

// EncodeMessage serializes a broker message body as UTF-8 JSON
func EncodeMessage(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// DecodePendingTask parses a pending_tasks envelope
func DecodePendingTask(data string) (*PendingTask, error) {
	var env PendingTask
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("malformed pending envelope: %w", err)
	}
	if env.TaskID == "" {
		return nil, fmt.Errorf("malformed pending envelope: missing taskId")
	}
	return &env, nil
}

// DecodeWorkMessage parses a task_queue message body
func DecodeWorkMessage(data string) (*WorkMessage, error) {
	var msg WorkMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("malformed work message: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("malformed work message: missing taskId")
	}
	return &msg, nil
}

// DecodeControlMessage parses a control_queue message body
func DecodeControlMessage(data string) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	return &msg, nil
}
