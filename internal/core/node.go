package core

import (
	"fmt"

	"github.com/dagobah-org/dagobah/internal/dag"
	"github.com/dagobah-org/dagobah/internal/models"
)

// Node is a task-shaped entry in a job's DAG: either a runnable Task or
// a JobTask referencing another job. Expansion at snapshot time ensures
// only runnable tasks remain in a snapshot.
type Node interface {
	// TaskName is the node's name in the owning job's graph.
	TaskName() string

	// setName renames the node; the job rewrites its graph to match.
	setName(name string)

	// setOwner re-homes the node onto another job. Expansion uses this
	// so every snapshot task belongs to the expanding job.
	setOwner(jobName string)

	// cloneNode returns a copy with the same static configuration and
	// no runtime state.
	cloneNode() Node

	// serialize returns the node's exported document.
	serialize() models.TaskDoc
}

var _ Node = (*JobTask)(nil)

// JobTask is a node whose body is another job. It carries no runtime of
// its own; at snapshot time expand splices a copy of the target job's
// graph into the snapshot in its place.
type JobTask struct {
	name          string
	jobName       string
	targetJobName string
	resolver      jobResolver
}

// jobResolver resolves a job name to its controller. The engine root
// implements it; tasks hold names, never parent pointers.
type jobResolver interface {
	resolveJob(name string) (*Job, error)
}

func newJobTask(name, jobName, targetJobName string, resolver jobResolver) *JobTask {
	return &JobTask{
		name:          name,
		jobName:       jobName,
		targetJobName: targetJobName,
		resolver:      resolver,
	}
}

func (jt *JobTask) TaskName() string { return jt.name }

// TargetJobName is the name of the job this node expands into.
func (jt *JobTask) TargetJobName() string { return jt.targetJobName }

func (jt *JobTask) setName(name string)     { jt.name = name }
func (jt *JobTask) setOwner(jobName string) { jt.jobName = jobName }

func (jt *JobTask) cloneNode() Node {
	cloned := *jt
	return &cloned
}

// expand returns a deep copy of the target job's live graph and tasks.
func (jt *JobTask) expand() (dag.Graph, map[string]Node, error) {
	target, err := jt.resolver.resolveJob(jt.targetJobName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jt.targetJobName)
	}
	graph, tasks := target.cloneLive()
	return graph, tasks, nil
}

func (jt *JobTask) serialize() models.TaskDoc {
	return models.TaskDoc{Name: jt.name, TargetJob: jt.targetJobName}
}
