package engine

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/msg"
)

type (
	engine struct {
		listener net.Listener
		*simulator
	}
)

func Action(context *cli.Context) error {
	listen := context.String("listen")
	if listen == "" {
		listen = ":7710"
	}
	coreAddr := context.String("core")
	if coreAddr == "" {
		coreAddr = "127.0.0.1:7700"
	}

	listener, err := net.Listen("tcp4", listen)
	if err != nil {
		return fmt.Errorf("net.Listen failed: %w", err)
	}

	log.Infof("engine listening on %v, pushing to %v", listen, coreAddr)

	e := &engine{
		listener:  listener,
		simulator: newSimulator(coreAddr, context.Float64("capacity"), context.Float64("fail-rate"), context.Bool("legacy")),
	}
	return e.start()
}

func (e *engine) start() error {
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		os.Exit(0)
	}()

	go e.simulator.run()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return fmt.Errorf("listener.Accept failed: %w", err)
		}
		go e.handle(conn)
	}
}

func (e *engine) handle(conn net.Conn) {
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

	var detail string

	switch body := rawBody.(type) {
	case *msg.StartWorkloadMessage:
		detail = e.startWorkload(body)
	case *msg.StopWorkloadMessage:
		detail = e.stopWorkload()
	case *msg.ReconfigureMessage:
		detail = e.reconfigure(body)
	case *msg.CreateEntityMessage:
		detail = e.createEntity(body)
	case *msg.DropEntityMessage:
		detail = e.dropEntity(body)
	case *msg.RunExperimentMessage:
		detail = e.runExperiment(body)
	case *msg.StopExperimentMessage:
		detail = e.stopExperiment()
	case *msg.GatherStatisticsMessage:
		go e.push(e.gather())
		detail = "gathering"
	default:
		panic(fmt.Errorf("unexpected message type: %v", rawBody))
	}

	if err := msg.Send(conn, &msg.AcknowledgedMessage{Status: "OK", Detail: detail}); err != nil {
		panic(fmt.Errorf("msg.Send failed: %w", err))
	}

	log.Infoln(detail)
}
