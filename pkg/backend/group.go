package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// TaskError is the failure of one named task in a Group.
type TaskError struct {
	Name string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Group runs named tasks concurrently and joins them. A failing task
// does not stop its siblings; Wait reports every failure.
type Group struct {
	ctx context.Context
	sem chan struct{}
	wg  sync.WaitGroup

	mu   sync.Mutex
	errs []*TaskError
}

// NewGroup returns a Group whose tasks receive ctx. limit caps the
// number of tasks running at once; zero means no cap.
func NewGroup(ctx context.Context, limit int) *Group {
	g := &Group{ctx: ctx}
	if limit > 0 {
		g.sem = make(chan struct{}, limit)
	}
	return g
}

// Go starts fn as task name. A task started after ctx is done fails
// with the context error without running.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if g.sem != nil {
			select {
			case g.sem <- struct{}{}:
				defer func() { <-g.sem }()
			case <-g.ctx.Done():
				g.fail(name, g.ctx.Err())
				return
			}
		}
		if err := g.ctx.Err(); err != nil {
			g.fail(name, err)
			return
		}
		if err := fn(g.ctx); err != nil {
			g.fail(name, err)
		}
	}()
}

func (g *Group) fail(name string, err error) {
	g.mu.Lock()
	g.errs = append(g.errs, &TaskError{Name: name, Err: err})
	g.mu.Unlock()
}

// Wait blocks until every task has returned. The error joins one
// *TaskError per failed task, ordered by name.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) == 0 {
		return nil
	}
	sort.Slice(g.errs, func(i, j int) bool { return g.errs[i].Name < g.errs[j].Name })
	errs := make([]error, len(g.errs))
	for i, e := range g.errs {
		errs[i] = e
	}
	return errors.Join(errs...)
}
