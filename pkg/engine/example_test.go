package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/engine"
)

// ExampleNewLaunchScript shows the guest-side files and commands used to start a sample.
func ExampleNewLaunchScript() {
	script := engine.NewLaunchScript(`C:\Users\auri\Desktop\sample.exe`)

	fmt.Println(script.Path)
	fmt.Println(script.RunTask)
	// Output:
	// C:\Users\auri\Desktop\launch.bat
	// schtasks /RUN /TN "LaunchSample"
}

// ExampleRetry shows the attempt budget of a VM operation.
func ExampleRetry() {
	attempts := 0
	err := engine.Retry(context.Background(),
		engine.RetryPolicy{Delay: time.Millisecond, MaxRetries: 3},
		zerolog.Nop(),
		func(context.Context) error {
			attempts++
			return fmt.Errorf("VM %d is locked", attempts)
		})

	fmt.Println(attempts)
	fmt.Println(err)
	// Output:
	// 3
	// gave up after 3 attempts: VM 3 is locked
}
