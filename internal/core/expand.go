package core

import (
	"fmt"

	"github.com/dagobah-org/dagobah/internal/dag"
)

// jobTaskDelimiter separates a job reference's name from the names of
// the tasks it expands into, so spliced-in task names cannot collide
// with ordinary ones.
const jobTaskDelimiter = "%_|JIJ_DELIMITER|_%"

// initializeSnapshotLocked deep-copies the live graph, validates it,
// clones every task, and expands job references in place. The result is
// immutable for the duration of the run. The caller has already run
// verifyReferences, so expansion cannot recurse forever.
func (j *Job) initializeSnapshotLocked() error {
	working := j.graph.Clone()
	if err := working.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDAG, err)
	}

	tasks := make(map[string]Node, len(j.tasks))
	for name, node := range j.tasks {
		tasks[name] = node.cloneNode()
	}

	snapshot, tasksSnapshot, err := j.expand(working, tasks)
	if err != nil {
		return err
	}
	j.snapshot = snapshot
	j.tasksSnapshot = tasksSnapshot
	return nil
}

// expand walks the graph in breadth order from its independent nodes
// and splices every job reference's target graph into place: the
// reference's predecessors connect to the subgraph's entry nodes, the
// subgraph's leaves connect to the reference's successors, and the
// reference node disappears. Spliced-in names are prefixed with the
// reference name and the delimiter. Nested references are expanded as
// the walk reaches them.
func (j *Job) expand(graph dag.Graph, tasks map[string]Node) (dag.Graph, map[string]Node, error) {
	queue := graph.IndNodes()
	expanded := make(map[string]struct{})

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if _, ok := graph[name]; !ok {
			continue
		}
		jobTask, isJobTask := tasks[name].(*JobTask)
		if !isJobTask {
			queue = append(queue, graph.Downstream(name)...)
			continue
		}
		if _, done := expanded[name]; done {
			continue
		}
		expanded[name] = struct{}{}

		subgraph, subtasks, err := jobTask.expand()
		if err != nil {
			return nil, nil, err
		}

		predecessors := graph.Predecessors(name)
		successors := graph.Downstream(name)

		// An empty target collapses the reference: its predecessors
		// connect straight to its successors.
		if len(subgraph) == 0 {
			_ = graph.DeleteNode(name)
			delete(tasks, name)
			for _, pred := range predecessors {
				for _, succ := range successors {
					graph[pred][succ] = struct{}{}
				}
			}
			queue = append(queue, successors...)
			continue
		}

		renamed := make(map[string]string, len(subgraph))
		for subName := range subgraph {
			renamed[subName] = name + jobTaskDelimiter + subName
		}
		for oldName, newName := range renamed {
			if err := subgraph.RenameEdges(oldName, newName); err != nil {
				return nil, nil, err
			}
			node := subtasks[oldName]
			node.setName(newName)
			delete(subtasks, oldName)
			subtasks[newName] = node
		}

		entryNodes := subgraph.IndNodes()
		leaves := subgraph.AllLeaves()

		for subName, edges := range subgraph {
			if _, exists := graph[subName]; exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrNamingConflict, subName)
			}
			graph[subName] = edges
		}
		for subName, node := range subtasks {
			if _, exists := tasks[subName]; exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrNamingConflict, subName)
			}
			tasks[subName] = node
		}

		for _, pred := range predecessors {
			for _, entry := range entryNodes {
				graph[pred][entry] = struct{}{}
			}
		}
		for _, leaf := range leaves {
			for _, succ := range successors {
				graph[leaf][succ] = struct{}{}
			}
		}

		_ = graph.DeleteNode(name)
		delete(tasks, name)
		queue = append(queue, entryNodes...)
		queue = append(queue, successors...)
	}

	// Every snapshot task belongs to the expanding job from here on.
	for _, node := range tasks {
		node.setOwner(j.name)
	}
	return graph, tasks, nil
}

// referenceTargets returns the target job of every job reference in the
// live graph. ok is false when the graph itself fails to sort.
func (j *Job) referenceTargets() (targets []string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.graph.TopologicalSort(); err != nil {
		return nil, false
	}
	for _, node := range j.tasks {
		if jobTask, isJobTask := node.(*JobTask); isJobTask {
			targets = append(targets, jobTask.targetJobName)
		}
	}
	return targets, true
}

// verifyReferences checks that no chain of job references starting from
// this job loops back on itself. Jobs are locked one at a time while
// their reference targets are captured, never two together, so runs
// starting concurrently on referencing jobs cannot deadlock on each
// other's mutexes.
func (j *Job) verifyReferences() error {
	refs := make(map[string][]string)
	queue := []string{j.Name()}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, seen := refs[name]; seen {
			continue
		}
		job, err := j.owner.resolveJob(name)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
		targets, ok := job.referenceTargets()
		if !ok {
			return ErrCyclic
		}
		refs[name] = targets
		queue = append(queue, targets...)
	}

	// A cycle anywhere in the captured reference graph means some chain
	// from this job revisits a member.
	graph := dag.New()
	for name := range refs {
		_ = graph.AddNode(name)
	}
	for name, targets := range refs {
		for _, target := range targets {
			if err := graph.AddEdge(name, target); err != nil {
				return ErrCyclic
			}
		}
	}
	return nil
}
