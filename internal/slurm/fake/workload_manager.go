// Package fake provides an in-memory Slurm with the same contract as slurm.CLI, for tests.
//
// State is kept in https://github.com/hashicorp/go-memdb tables. Objects stored in the database
// are never modified in place; updates insert a copy.
package fake

import (
	"context"
	"strconv"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
	"github.com/G-Research/slurmbatch/internal/slurm"
)

const (
	allocationsTable = "allocations"
	nodesTable       = "nodes"
	idIndex          = "id"
	stateIndex       = "state"

	Pending   = "PENDING"
	Running   = "RUNNING"
	Cancelled = "CANCELLED"

	firstAllocationId = 1000
)

type Allocation struct {
	Id         string
	User       string
	State      string
	Dependency string
	Request    slurm.SubmitRequest
	Nodes      []string
	// Tasks per node, in Nodes order; empty means the requested tasks per node everywhere
	NodeTasks []int
}

type Node struct {
	Name string
	// Megabytes
	RealMemory int64
	// Megabytes
	FreeMemory int64
	Cpus       int
}

type WorkloadManager struct {
	db     *memdb.MemDB
	user   string
	mu     sync.Mutex
	nextId int

	// Optional failure injection
	SubmitError func(request slurm.SubmitRequest) error
	UpdateError func(allocationId string) error
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			allocationsTable: {
				Name: allocationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
			nodesTable: {
				Name: nodesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// NewWorkloadManager returns an empty cluster whose submissions are owned by user.
func NewWorkloadManager(user string) *WorkloadManager {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		panic(err)
	}
	return &WorkloadManager{db: db, user: user, nextId: firstAllocationId}
}

func (w *WorkloadManager) Submit(_ context.Context, request slurm.SubmitRequest) (string, error) {
	if w.SubmitError != nil {
		if err := w.SubmitError(request); err != nil {
			return "", err
		}
	}
	w.mu.Lock()
	id := strconv.Itoa(w.nextId)
	w.nextId++
	w.mu.Unlock()

	request.Exclude = append([]string(nil), request.Exclude...)
	allocation := &Allocation{
		Id:         id,
		User:       w.user,
		State:      Pending,
		Dependency: request.Dependency,
		Request:    request,
	}
	return id, w.put(allocation)
}

func (w *WorkloadManager) Cancel(_ context.Context, allocationId string) error {
	return w.update(allocationId, func(a *Allocation) { a.State = Cancelled })
}

func (w *WorkloadManager) ListPendingWithDependencies(_ context.Context, user string) ([]slurm.PendingAllocation, error) {
	txn := w.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(allocationsTable, stateIndex, Pending)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var pending []slurm.PendingAllocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		a := obj.(*Allocation)
		if a.User == user {
			pending = append(pending, slurm.PendingAllocation{Id: a.Id, Dependency: a.Dependency})
		}
	}
	return pending, nil
}

func (w *WorkloadManager) UpdateDependency(_ context.Context, allocationId string, dependency string) error {
	if w.UpdateError != nil {
		if err := w.UpdateError(allocationId); err != nil {
			return err
		}
	}
	return w.update(allocationId, func(a *Allocation) { a.Dependency = dependency })
}

func (w *WorkloadManager) NodeNamesOf(_ context.Context, allocationId string) ([]string, error) {
	a, ok := w.Allocation(allocationId)
	if !ok {
		return nil, errors.Errorf("allocation %s does not exist", allocationId)
	}
	return append([]string(nil), a.Nodes...), nil
}

func (w *WorkloadManager) AvailableMemory(_ context.Context, hostname string) (int64, error) {
	n, err := w.node(hostname)
	return n.FreeMemory, err
}

func (w *WorkloadManager) TotalMemory(_ context.Context, hostname string) (int64, error) {
	n, err := w.node(hostname)
	return n.RealMemory, err
}

func (w *WorkloadManager) CoreCount(_ context.Context, hostname string) (int, error) {
	n, err := w.node(hostname)
	return n.Cpus, err
}

// AddNode adds or replaces a node.
func (w *WorkloadManager) AddNode(node Node) {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(nodesTable, &node); err != nil {
		panic(err)
	}
	txn.Commit()
}

// Start moves a pending allocation to running on nodes.
func (w *WorkloadManager) Start(allocationId string, nodes ...string) error {
	return w.update(allocationId, func(a *Allocation) {
		a.State = Running
		a.Nodes = append([]string(nil), nodes...)
	})
}

// SetTaskLayout records how many tasks the allocation runs on each of its nodes.
func (w *WorkloadManager) SetTaskLayout(allocationId string, counts ...int) error {
	return w.update(allocationId, func(a *Allocation) {
		a.NodeTasks = append([]int(nil), counts...)
	})
}

// Allocation returns a copy of the allocation with the given id.
func (w *WorkloadManager) Allocation(allocationId string) (Allocation, bool) {
	txn := w.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(allocationsTable, idIndex, allocationId)
	if err != nil || obj == nil {
		return Allocation{}, false
	}
	return *obj.(*Allocation), true
}

// Allocations returns every allocation in submission order.
func (w *WorkloadManager) Allocations() []Allocation {
	txn := w.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(allocationsTable, idIndex)
	if err != nil {
		panic(err)
	}
	var allocations []Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		allocations = append(allocations, *obj.(*Allocation))
	}
	return allocations
}

// EnvironmentOf returns the environment a process running inside allocationId would observe.
func (w *WorkloadManager) EnvironmentOf(allocationId string) slurm.Environment {
	return &environment{wm: w, allocationId: allocationId}
}

func (w *WorkloadManager) put(allocation *Allocation) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(allocationsTable, allocation); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (w *WorkloadManager) update(allocationId string, mutate func(a *Allocation)) error {
	txn := w.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(allocationsTable, idIndex, allocationId)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return errors.Errorf("allocation %s does not exist", allocationId)
	}
	updated := *obj.(*Allocation)
	mutate(&updated)
	if err := txn.Insert(allocationsTable, &updated); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (w *WorkloadManager) node(hostname string) (Node, error) {
	txn := w.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(nodesTable, idIndex, hostname)
	if err != nil {
		return Node{}, errors.WithStack(err)
	}
	if obj == nil {
		return Node{}, errors.Errorf("node %s does not exist", hostname)
	}
	return *obj.(*Node), nil
}

type environment struct {
	wm           *WorkloadManager
	allocationId string
}

func (e *environment) CurrentAllocationId() (string, error) {
	if _, ok := e.wm.Allocation(e.allocationId); !ok {
		return "", &batcherrors.ErrConfiguration{Field: slurm.EnvJobId, Value: e.allocationId, Message: "no such allocation"}
	}
	return e.allocationId, nil
}

func (e *environment) CurrentGrant(_ context.Context) (slurm.Grant, error) {
	a, ok := e.wm.Allocation(e.allocationId)
	if !ok {
		return slurm.Grant{}, &batcherrors.ErrConfiguration{Field: slurm.EnvJobId, Value: e.allocationId, Message: "no such allocation"}
	}
	profile := a.Request.Profile
	profile.ExtraArgs = nil
	return slurm.Grant{
		AllocationId: a.Id,
		Name:         a.Request.Name,
		Tasks:        a.Request.Tasks,
		Profile:      profile,
		NodeTasks:    a.NodeTasks,
	}, nil
}
