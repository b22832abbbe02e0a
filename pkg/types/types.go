package types

import (
	"strconv"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a translation task
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "PENDING"
	TaskStatusDispatching TaskStatus = "DISPATCHING"
	TaskStatusProcessing  TaskStatus = "PROCESSING"
	TaskStatusCompleted   TaskStatus = "COMPLETED"
	TaskStatusFailed      TaskStatus = "FAILED"
	TaskStatusCancelled   TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is a final state that no
// scheduler component may transition away from.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is one unit of translation work: either inline text or a stored
// audio artifact, translated into one or more target languages.
type Task struct {
	ID              string
	Status          TaskStatus
	SourceLanguage  string
	TargetLanguages []string
	TextContent     string
	AudioFilePath   string
	OriginalText    string
	AssignedNodeID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResultFilePath  string
	ErrorMessage    string
	RetryCount      int
	Accuracy        float64
}

// NodeStatus represents the advertised state of a worker node
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "ONLINE"
	NodeStatusOffline     NodeStatus = "OFFLINE"
	NodeStatusBusy        NodeStatus = "BUSY"
	NodeStatusMaintenance NodeStatus = "MAINTENANCE"

	// NodeStatusShuttingDown is advertised by a draining agent. Readers
	// treat it as OFFLINE; it exists in the hash so operators can tell a
	// deliberate drain from a dead node.
	NodeStatusShuttingDown NodeStatus = "SHUTTING_DOWN"
)

// ParseNodeStatus maps a worker-advertised status string onto a
// NodeStatus. Matching is case-insensitive; SHUTTING_DOWN and anything
// unrecognized collapse to OFFLINE so a garbled heartbeat can never make
// a node look dispatchable.
func ParseNodeStatus(s string) NodeStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return NodeStatusOnline
	case "BUSY":
		return NodeStatusBusy
	case "MAINTENANCE":
		return NodeStatusMaintenance
	default:
		return NodeStatusOffline
	}
}

// Node is a live worker advertised in the shared registry
type Node struct {
	ID              string
	Host            string
	Port            int
	MemoryTotal     int64
	MemoryUsed      int64
	CPUUsage        float64
	GPUAvailable    bool
	Status          NodeStatus
	LastHeartbeat   time.Time
	ActiveTaskCount int
}

// MemoryPercent returns used memory as a percentage of total, or 0 when
// the node has not advertised a total.
func (n *Node) MemoryPercent() float64 {
	if n.MemoryTotal <= 0 {
		return 0
	}
	return float64(n.MemoryUsed) / float64(n.MemoryTotal) * 100
}

// Node hash field names as written by the workers.
const (
	hashFieldHost          = "host"
	hashFieldPort          = "port"
	hashFieldMemoryTotal   = "memory_total"
	hashFieldMemoryUsed    = "memory_used"
	hashFieldCPUUsage      = "cpu_usage"
	hashFieldGPUAvailable  = "gpu_available"
	hashFieldActiveTasks   = "active_task_count"
	hashFieldStatus        = "status"
	hashFieldLastHeartbeat = "last_heartbeat"
)

// NodeFromHash decodes a worker_nodes:{id} broker hash into a Node.
// Workers in other runtimes write loosely typed values, so every field
// is parsed tolerantly and a bad field degrades to its zero value.
func NodeFromHash(id string, fields map[string]string) *Node {
	n := &Node{
		ID:     id,
		Host:   fields[hashFieldHost],
		Status: ParseNodeStatus(fields[hashFieldStatus]),
	}
	n.Port, _ = strconv.Atoi(fields[hashFieldPort])
	n.MemoryTotal, _ = strconv.ParseInt(fields[hashFieldMemoryTotal], 10, 64)
	n.MemoryUsed, _ = strconv.ParseInt(fields[hashFieldMemoryUsed], 10, 64)
	n.CPUUsage, _ = strconv.ParseFloat(fields[hashFieldCPUUsage], 64)
	n.GPUAvailable = parseBoolString(fields[hashFieldGPUAvailable])
	n.ActiveTaskCount, _ = strconv.Atoi(fields[hashFieldActiveTasks])
	if ts, err := ParseTimestamp(fields[hashFieldLastHeartbeat]); err == nil {
		n.LastHeartbeat = ts
	}
	return n
}

// ToHash encodes the node for its worker_nodes:{id} broker hash, using
// the same field names and value conventions the Python workers use.
func (n *Node) ToHash() map[string]string {
	gpu := "0"
	if n.GPUAvailable {
		gpu = "1"
	}
	return map[string]string{
		hashFieldHost:          n.Host,
		hashFieldPort:          strconv.Itoa(n.Port),
		hashFieldMemoryTotal:   strconv.FormatInt(n.MemoryTotal, 10),
		hashFieldMemoryUsed:    strconv.FormatInt(n.MemoryUsed, 10),
		hashFieldCPUUsage:      strconv.FormatFloat(n.CPUUsage, 'f', -1, 64),
		hashFieldGPUAvailable:  gpu,
		hashFieldActiveTasks:   strconv.Itoa(n.ActiveTaskCount),
		hashFieldStatus:        string(n.Status),
		hashFieldLastHeartbeat: FormatTimestamp(n.LastHeartbeat),
	}
}

// parseBoolString accepts the "1"/"0" convention alongside bool strings
func parseBoolString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// timestampLayout matches Python's datetime.isoformat(): ISO-8601
// local time, no zone, microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.999999"

// FormatTimestamp renders t in the wire format shared with the workers
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// ParseTimestamp parses a wire timestamp, tolerating missing fractional
// seconds and RFC 3339 values from older workers.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(timestampLayout, s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
