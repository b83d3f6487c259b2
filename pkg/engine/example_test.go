package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Example_statusMachine walks a resource through a failed install and a
// retry.
func Example_statusMachine() {
	res := &engine.Resource{ID: "fw-1", Kind: engine.KindFirewallRule, Status: engine.StatusPending}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	steps := []engine.Transition{
		{From: []engine.ResourceStatus{engine.StatusPending}, To: engine.StatusInstalling, At: at},
		{From: []engine.ResourceStatus{engine.StatusInstalling}, To: engine.StatusFailed, ErrorLog: "ufw: command not found", At: at},
		{From: []engine.ResourceStatus{engine.StatusFailed}, To: engine.StatusInstalling, At: at},
		{From: []engine.ResourceStatus{engine.StatusInstalling}, To: engine.StatusActive, At: at},
	}
	for _, t := range steps {
		if err := res.Apply(t); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(res.Status)
	}

	err := res.Apply(engine.Transition{To: engine.StatusPending, At: at})
	fmt.Println(engine.IsValidationFault(err))

	// Output:
	// installing
	// failed
	// installing
	// active
	// true
}

// ExampleMemoryLocker shows the overlap lock rejecting a second holder.
func ExampleMemoryLocker() {
	ctx := context.Background()
	locker := engine.NewMemoryLocker()
	res := &engine.Resource{HostID: "host-1", Kind: engine.KindFirewallRule, Key: "3000-3005"}
	key := engine.ResourceLockKey(res, engine.LockLifecycle)

	guard, _ := locker.Acquire(ctx, key, time.Minute)
	_, err := locker.Acquire(ctx, key, time.Minute)
	fmt.Println(key)
	fmt.Println(engine.IsLockContention(err))

	_ = guard.Release(ctx)
	_, err = locker.Acquire(ctx, key, time.Minute)
	fmt.Println(err == nil)

	// Output:
	// lock:lifecycle:host-1:firewall_rule:3000-3005
	// true
	// true
}

func ExampleSignPayload() {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := engine.SignPayload("s3cret", body)
	fmt.Println(engine.VerifySignature("s3cret", body, sig))
	fmt.Println(engine.VerifySignature("guess", body, sig))

	// Output:
	// true
	// false
}
