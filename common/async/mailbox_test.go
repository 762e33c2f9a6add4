package async

import (
	"errors"
	"testing"
)

func Test_Mailbox(t *testing.T) {
	mailbox := NewMailbox()

	cbInvoked := false
	var retErr error

	asyncErr := mailbox.NewAsyncError(func(err error) {
		retErr = err
		cbInvoked = true
	})

	// spawn a go function that to do something
	// that sets the AsyncError value when
	// its completed
	go func(rsp *AsyncError) {
		sum := 0
		for i := 0; i < 100; i++ {
			sum = sum + i
		}
		rsp.SetValue(errors.New("Test Error!"))
	}(asyncErr)

	for !cbInvoked {
		mailbox.ProcessMessages()
	}
	if retErr == nil {
		t.Error("Expected Callback to be invoked with an error not nil")
	}
	if retErr.Error() != "Test Error!" {
		t.Error("Expected Callback to be invoked with `Test Error!` not: ", retErr.Error())
	}
}

// test to verify that example code for mailbox.go docs works!
func Test_MailboxExample(t *testing.T) {
	if persisted := persistJobs_withMailbox(3); persisted != 3 {
		t.Errorf("Expected all 3 jobs to persist, got %d", persisted)
	}
}

// example code for mailbox.go
func persistJobs_withMailbox(numJobs int) int {
	persisted := 0
	returned := 0
	mailbox := NewMailbox()

	saveCallback := func(err error) {
		if err == nil {
			persisted++
		}
		returned++
	}

	for i := 0; i < numJobs; i++ {
		go func(num int, rsp *AsyncError) {
			rsp.SetValue(saveJob(num))
		}(i, mailbox.NewAsyncError(saveCallback))
	}

	for returned < numJobs {
		mailbox.ProcessMessages()
	}
	return persisted
}

// a function which writes a job to a durable store accessed via
// the network, dummy function that always succeeds
func saveJob(num int) error {
	return nil
}

func Test_Runner(t *testing.T) {
	runner := NewRunner()

	done := false
	var retErr error
	runner.RunAsync(
		func() error { return errors.New("save failed") },
		func(err error) {
			retErr = err
			done = true
		})

	for !done {
		runner.ProcessMessages()
	}
	if retErr == nil || retErr.Error() != "save failed" {
		t.Error("Expected callback to receive the async function's error, got: ", retErr)
	}
}
