package shardis

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/shardis/resp"
)

// Result is the pending outcome of one dispatched command. It is completed
// exactly once; later completions are ignored.
type Result struct {
	once sync.Once
	done chan struct{}
	val  resp.Value
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func failedResult(err error) *Result {
	r := newResult()
	r.reject(err)
	return r
}

func (r *Result) resolve(v resp.Value) {
	r.once.Do(func() {
		r.val = v
		close(r.done)
	})
}

func (r *Result) reject(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Result) complete(v resp.Value, err error) {
	if err != nil {
		r.reject(err)
		return
	}
	r.resolve(v)
}

// Done is closed once the result is available.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the command completes or ctx is done. Giving up on ctx
// does not cancel the command itself.
func (r *Result) Wait(ctx context.Context) (resp.Value, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}

// Get returns the outcome; ok is false while the command is still pending.
func (r *Result) Get() (v resp.Value, err error, ok bool) {
	select {
	case <-r.done:
		return r.val, r.err, true
	default:
		return resp.Value{}, nil, false
	}
}

// join completes out once every part has completed, passing their values to
// merge in part order. The first failing part rejects out immediately; the
// remaining parts still run to completion and their outcome is dropped.
func join(parts []*Result, out *Result, merge func([]resp.Value) (resp.Value, error)) {
	go func() {
		type outcome struct {
			i   int
			err error
		}
		ch := make(chan outcome, len(parts))
		for i, p := range parts {
			go func(i int, p *Result) {
				<-p.done
				ch <- outcome{i: i, err: p.err}
			}(i, p)
		}
		for range parts {
			o := <-ch
			if o.err != nil {
				out.reject(o.err)
				return
			}
		}
		vals := make([]resp.Value, len(parts))
		for i, p := range parts {
			vals[i] = p.val
		}
		out.complete(merge(vals))
	}()
}
