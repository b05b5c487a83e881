// Package pipeline is the Radio I/O Pipeline: the bounded task queues
// that sit between the Synchronizer/Rules Engine and the radio driver.
package pipeline

import "time"

// TaskType classifies a Task for enqueue-coalescing purposes.
type TaskType int

const (
	TaskReadAttributes TaskType = iota
	TaskWriteAttribute
	TaskSceneStore
	TaskSceneRemove
	TaskSceneAdd
	TaskSceneView
	TaskSceneRecall
	TaskGroupMembershipQuery
	TaskSetOnOff
	TaskSetLevel
	TaskSetColor
	TaskAddToGroup
	TaskRemoveFromGroup
	TaskGroupBroadcast
)

// idempotent reports whether tasks of this type should be coalesced
// (replaced in place) rather than always appended.
func (t TaskType) idempotent() bool {
	switch t {
	case TaskReadAttributes, TaskWriteAttribute, TaskSceneStore, TaskSceneRemove,
		TaskSceneAdd, TaskSceneView, TaskGroupMembershipQuery:
		return false
	default:
		return true
	}
}

// Destination identifies a task's wire target for serialization and
// coalescing purposes.
type Destination struct {
	ExtAddr   uint64 // 0 for group/broadcast
	DstGroup  uint16
	Broadcast bool
	Endpoint  uint8
}

// Task is one queued radio operation.
type Task struct {
	ID          string
	Type        TaskType
	Dest        Destination
	Cluster     uint16
	ProfileID   uint16
	Payload     []byte
	FireAndForget bool

	enqueuedAt time.Time
}

// sameCoalesceKey reports whether two tasks target the same
// destination, cluster, profile, and tx options with an equal-sized
// payload — the identity used to replace redundant idempotent tasks
// in place.
func sameCoalesceKey(a, b *Task) bool {
	return a.Dest == b.Dest &&
		a.Cluster == b.Cluster &&
		a.ProfileID == b.ProfileID &&
		a.FireAndForget == b.FireAndForget &&
		len(a.Payload) == len(b.Payload)
}

// BindingState is a BindingTask's lifecycle stage.
type BindingState int

const (
	BindingIdle BindingState = iota
	BindingCheck
	BindingInProgress
	BindingFinished
)

// BindingAction is the direction a BindingTask installs.
type BindingAction int

const (
	BindBind BindingAction = iota
	BindUnbind
)

// BindingCluster is the ZCL cluster a BindingTask targets, selected
// from a rule action's body text.
type BindingCluster int

const (
	ClusterOnOff BindingCluster = iota
	ClusterLevel
	ClusterScene
	ClusterIlluminanceMeasurement
	ClusterOccupancySensing
)

// BindingTask is a pending source-binding install/removal between a
// sensor endpoint and a light or group destination.
type BindingTask struct {
	SrcExtAddr  uint64
	SrcEndpoint uint8

	DstIsGroup bool
	DstGroup   uint16
	DstExtAddr uint64
	DstEndpoint uint8

	Cluster BindingCluster
	Action  BindingAction
	State   BindingState

	// reqID correlates the in-flight ZDP request (table read or
	// bind/unbind) with its confirm.
	reqID string
}

// equal is full BindingTask equality, used for the binding queue's
// de-duplicated insert.
func (b BindingTask) equal(o BindingTask) bool {
	return b.SrcExtAddr == o.SrcExtAddr && b.SrcEndpoint == o.SrcEndpoint &&
		b.DstIsGroup == o.DstIsGroup && b.DstGroup == o.DstGroup &&
		b.DstExtAddr == o.DstExtAddr && b.DstEndpoint == o.DstEndpoint &&
		b.Cluster == o.Cluster && b.Action == o.Action
}
