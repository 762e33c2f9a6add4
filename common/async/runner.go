// Package async provides tools for asynchronous callback processing using Goroutines
package async

// An AsyncRunner is a helper class to spawn Go Routines to run
// AsyncFunctions and to associate callbacks with them.  This builds
// ontop of AsyncMailbox to simplify the code that needs to be written.
//
// A dispatcher event loop can use a Runner to fire history writes off the
// loop goroutine and observe their outcomes on a later iteration:
//
//	runner := NewRunner()
//	runner.RunAsync(
//	  func() error { return history.SaveJob(job) },
//	  func(err error) {
//	    if err != nil {
//	      log.Errorf("could not persist job %s: %v", job.Id, err)
//	    }
//	  })
//
//	// on every loop iteration
//	runner.ProcessMessages()
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{
		bx: NewMailbox(),
	}
}

func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync creates a go routine to run the specified function f.
// The callback, cb, is invoked once f is completed by calling ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		err := f()
		rsp.SetValue(err)
	}(asyncErr)
}

// Invokes all callbacks of completed asyncfunctions.
// Callbacks are ran synchronously and by the calling go routine
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
