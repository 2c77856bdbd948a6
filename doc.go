// Package svinit is a single-host service manager. It starts services in
// dependency order, keeps daemons alive under a restart policy, and stops
// them in reverse order.
//
// Services are declared as ServiceDescriptor values, either in code or as
// one YAML file per service read by a DirSource:
//
//	descs, err := svinit.DirSource{Dir: "/etc/svinit/services"}.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	graph, err := svinit.BuildGraph(descs)
//
// BuildGraph rejects unknown dependencies and cycles through hard edges.
// Soft edges only order startup; a failed soft dependency never blocks its
// dependents.
//
// # Scheduler
//
// The Scheduler owns one state machine per service and runs start and stop
// flows over the graph with bounded concurrency:
//
//	sched := svinit.NewScheduler(graph, svinit.SchedulerConfig{
//	    Daemons:  &svinit.LocalSupervisor{},
//	    Oneshots: &svinit.LocalSupervisor{},
//	})
//	report, err := sched.StartSet(ctx, []string{"web"})
//
// A set operation starts everything it can. Services it could not start are
// listed in the Report and returned as a *PartialFailure.
//
// # Manager
//
// The Manager adds an enabled set, descriptor reloads and a control socket
// on top of the scheduler. svctl and the Client type talk to it:
//
//	c := svinit.NewClient(svinit.DefaultSocketPath)
//	statuses, err := c.Status(ctx, svinit.StatusFilter{})
//
// # Supervisors
//
// LocalSupervisor runs processes as direct children of the manager.
// RemoteSupervisor runs each daemon under a small helper process connected
// to the manager by a socket pair, so daemons survive a manager restart and
// are re-adopted by pid.
package svinit
