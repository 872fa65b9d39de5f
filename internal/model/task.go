package model

import "time"

// TaskType identifies the kind of locally originated mutation.
type TaskType string

const (
	TaskSend              TaskType = "send"
	TaskDelete            TaskType = "delete"
	TaskIndicateDelivered TaskType = "indicate-delivered"
	TaskIndicateSeen      TaskType = "indicate-seen"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskSend, TaskDelete, TaskIndicateDelivered, TaskIndicateSeen:
		return true
	}
	return false
}

// IsReceipt reports whether t is a fire-and-forget receipt indication.
func (t TaskType) IsReceipt() bool {
	return t == TaskIndicateDelivered || t == TaskIndicateSeen
}

// Task is the durable record of one pending network effect.
type Task struct {
	ID             int64
	Type           TaskType
	Related        string // event uuid
	From           string // member uuid acting as sender
	RetryCount     int
	BeingProcessed bool
	Exhausted      bool
	// AckedID is the server id returned for a send, set once the server
	// accepted it and we are waiting for the echo.
	AckedID   string
	CreatedAt time.Time
}
