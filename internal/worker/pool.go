package worker

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool runs jobs on at most size goroutines at a time.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TryGo runs job on a free slot. It returns false without running job when
// every slot is busy. A panicking job is recovered and logged.
func (p *Pool) TryGo(name string, job func()) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker job panicked")
			}
		}()
		job()
	}()
	return true
}

// Wait blocks until every started job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Size() int { return cap(p.sem) }

// Busy reports how many slots are taken.
func (p *Pool) Busy() int { return len(p.sem) }
