package svinit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/axondata/go-svinit/internal/codec"
)

// layeredServices builds width services per layer, each hard-depending on
// every service of the previous layer
func layeredServices(layers, width int) []ServiceDescriptor {
	var descs []ServiceDescriptor
	for l := 0; l < layers; l++ {
		for w := 0; w < width; w++ {
			d := daemon(fmt.Sprintf("svc-%d-%d", l, w))
			if l > 0 {
				for p := 0; p < width; p++ {
					d.Dependencies = append(d.Dependencies, hard(fmt.Sprintf("svc-%d-%d", l-1, p)))
				}
			}
			descs = append(descs, d)
		}
	}
	return descs
}

// BenchmarkBuildGraph measures validation and cycle detection
func BenchmarkBuildGraph(b *testing.B) {
	descs := layeredServices(20, 10)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := BuildGraph(descs); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStartOrder measures closure and topological ordering
func BenchmarkStartOrder(b *testing.B) {
	g, err := BuildGraph(layeredServices(20, 10))
	if err != nil {
		b.Fatal(err)
	}
	target := []string{"svc-19-0"}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := g.StartOrder(target); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRequestCodec measures a control request round trip through the wire codec
func BenchmarkRequestCodec(b *testing.B) {
	req := &Request{
		Action:   ActionStatus,
		Services: []string{"web", "db", "cache"},
		Filter:   &StatusFilter{States: []State{StateUp, StateFailed}},
	}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		data, err := codec.Marshal(req)
		if err != nil {
			b.Fatal(err)
		}
		var out Request
		if err := codec.Unmarshal(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSchedulerStartStop measures a full start and stop of a layered
// graph against an in-memory supervisor
func BenchmarkSchedulerStartStop(b *testing.B) {
	descs := layeredServices(5, 10)
	g, err := BuildGraph(descs)
	if err != nil {
		b.Fatal(err)
	}
	sup := newFakeSupervisor()
	s := NewScheduler(g, SchedulerConfig{
		Daemons:   sup,
		Oneshots:  sup,
		KillGrace: 200 * time.Millisecond,
		Prober:    ProberFunc(func(context.Context, int) (bool, error) { return false, nil }),
	})
	defer func() { _, _ = s.Close(context.Background()) }()

	names := g.Names()
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.StartSet(ctx, names); err != nil {
			b.Fatal(err)
		}
		if _, err := s.StopSet(ctx, names); err != nil {
			b.Fatal(err)
		}
	}
}
