package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its
// stack before being re-raised, so it survives a terminal UI owning stdout.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer recoverAndLog(logger)
		fn()
	}()
}

// SafeGoWG is SafeGo for goroutines tracked by wg. wg.Add is done before the
// goroutine starts so a concurrent Wait cannot miss it.
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverAndLog(logger)
		fn()
	}()
}

func recoverAndLog(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("PANIC: %v\n%s", r, debug.Stack())
		panic(r)
	}
}
