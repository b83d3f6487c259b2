package stores_test

import (
	"context"
	"fmt"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func ExampleSQLiteStore() {
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		panic(err)
	}
	if err := store.Init(ctx); err != nil {
		panic(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		panic(err)
	}

	now := time.Now().UTC()
	_ = store.CreateHost(ctx, &engine.Host{
		ID: "host-1", Name: "web-1", Address: "203.0.113.10", Port: 22,
		BootstrapUser: "root", CreatedAt: now, UpdatedAt: now,
	})

	state, _ := store.GetBootstrapState(ctx, "host-1")
	fmt.Println(state.Phase, state.ResumeStep())
	// Output: pending 1
}
