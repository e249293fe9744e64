package core

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/journal"
	"github.com/kaz/stau/msg"
)

func Action(context *cli.Context) error {
	conf, err := LoadConfig(context.String("config"))
	if err != nil {
		return fmt.Errorf("LoadConfig failed: %w", err)
	}

	if listen := context.String("listen"); listen != "" {
		conf.Listen = listen
	}
	if engine := context.String("engine"); engine != "" {
		conf.Engine = engine
	}
	if journalPath := context.String("journal"); journalPath != "" {
		conf.Journal = journalPath
	}

	c := New(conf)

	if conf.Journal != "" {
		w, err := journal.Create(conf.Journal)
		if err != nil {
			return fmt.Errorf("journal.Create failed: %w", err)
		}
		c.journal = w
		log.Infof("journaling to %v", conf.Journal)
	}

	listener, err := net.Listen("tcp4", conf.Listen)
	if err != nil {
		return fmt.Errorf("net.Listen failed: %w", err)
	}

	log.Infof("core listening on %v", conf.Listen)

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch

		if c.journal != nil {
			if err := c.journal.Close(); err != nil {
				log.Errorf("journal.Close failed: %v", err)
			}
		}
		os.Exit(0)
	}()

	go c.Run(nil)

	return c.serve(listener)
}

func (c *Core) serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("listener.Accept failed: %w", err)
		}
		go c.handle(conn)
	}
}

func (c *Core) handle(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if err := recover(); err != nil {
			detail := fmt.Sprintf("handling error: %v", err)
			log.Errorln(detail)

			if err := msg.Send(conn, &msg.AcknowledgedMessage{Status: "NG", Detail: detail}); err != nil {
				log.Errorf("sending error message failed: msg.Send failed: %v", err)
			}
		}
	}()

	rawBody, err := msg.Receive(conn)
	if err != nil {
		panic(fmt.Errorf("msg.Receive failed: %w", err))
	}

	resp := c.dispatch(rawBody)

	if err := msg.Send(conn, resp); err != nil {
		panic(fmt.Errorf("msg.Send failed: %w", err))
	}
}

func (c *Core) dispatch(rawBody interface{}) interface{} {
	switch body := rawBody.(type) {
	case *msg.TelemetryEvent, *msg.EntityTelemetryEvent, *msg.SystemSnapshotEvent,
		*msg.OperationProgressEvent, *msg.ExperimentSampleEvent:
		c.Ingest(body)
		return &msg.AcknowledgedMessage{Status: "OK", Detail: "event queued"}

	case *msg.CreateEntitiesMessage:
		keys, err := c.CreateEntities(body.Entities, body.Size)
		return provisionAck("creating", keys, err)

	case *msg.DropEntitiesMessage:
		keys, err := c.DropEntities(body.Entities)
		return provisionAck("dropping", keys, err)

	case *msg.StartWorkloadMessage:
		keys, err := c.StartWorkload(body.Workloads)
		if err != nil {
			panic(fmt.Errorf("StartWorkload failed: %w", err))
		}
		return &msg.AcknowledgedMessage{Status: "OK", Detail: fmt.Sprintf("workload started on %v", keys)}

	case *msg.StopWorkloadMessage:
		keys, err := c.StopWorkload()
		if err != nil {
			panic(fmt.Errorf("StopWorkload failed: %w", err))
		}
		return &msg.AcknowledgedMessage{Status: "OK", Detail: fmt.Sprintf("workload stopped on %v", keys)}

	case *msg.ReconfigureMessage:
		if err := c.Reconfigure(body.Entity, body.Config); err != nil {
			panic(fmt.Errorf("Reconfigure failed: %w", err))
		}
		return &msg.AcknowledgedMessage{Status: "OK", Detail: fmt.Sprintf("reconfigured %v", body.Entity)}

	case *msg.RunExperimentMessage:
		if err := c.RunExperiment(body.Config); err != nil {
			panic(fmt.Errorf("RunExperiment failed: %w", err))
		}
		return &msg.AcknowledgedMessage{Status: "OK", Detail: "experiment started"}

	case *msg.StopExperimentMessage:
		if err := c.StopExperiment(); err != nil {
			panic(fmt.Errorf("StopExperiment failed: %w", err))
		}
		return &msg.AcknowledgedMessage{Status: "OK", Detail: "experiment stopped"}

	case *msg.StatusRequest:
		if body.Refresh {
			if err := c.GatherStatistics(); err != nil {
				log.Warnf("GatherStatistics failed: %v", err)
			}
		}
		return c.Status()

	case *msg.SnapshotRequest:
		return &msg.SnapshotResponse{Samples: c.Snapshot(body.Entity, body.Channel)}

	case *msg.ExperimentResultRequest:
		result, running, phase := c.runner.Result()
		return &msg.ExperimentResultResponse{Running: running, Phase: phase, Result: result}
	}

	panic(fmt.Errorf("unexpected message type: %v", rawBody))
}

// provisionAck reports a batch outcome. Skipped entities ride along in the
// detail next to the started ones; only a batch that started nothing is NG.
func provisionAck(verb string, started []msg.EntityKey, err error) *msg.AcknowledgedMessage {
	switch {
	case err == nil:
		return &msg.AcknowledgedMessage{Status: "OK", Detail: fmt.Sprintf("%v %v", verb, started)}
	case len(started) == 0:
		return &msg.AcknowledgedMessage{Status: "NG", Detail: fmt.Sprintf("%v failed: %v", verb, err)}
	default:
		return &msg.AcknowledgedMessage{Status: "OK", Detail: fmt.Sprintf("%v %v (skipped: %v)", verb, started, err)}
	}
}
