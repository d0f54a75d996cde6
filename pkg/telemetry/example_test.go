package telemetry_test

import (
	"context"
	"fmt"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

func ExampleNewTelemetry() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Logger.NewComponentLogger("registry").WithEngineID(0).Debug("engine registered")
}

func ExampleTelemetry_TraceDispatch() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	err := tel.TraceDispatch(context.Background(), "execute", "all",
		func(ctx context.Context) error { return nil })
	fmt.Println(err)
	// Output: <nil>
}

func ExampleEventPublisher_Subscribe() {
	ep, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	ep.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.EngineID)
	}, telemetry.FilterByEngineID(2))

	_ = ep.PublishEngineRegistered(1, "127.0.0.1:50000")
	_ = ep.PublishEngineRegistered(2, "127.0.0.1:50001")
	// Output: engine.registered 2
}
