package console

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/msg"
)

func coreAddr(context *cli.Context) string {
	if core := context.String("core"); core != "" {
		return core
	}
	return "127.0.0.1:7700"
}

func request(core string, body interface{}) (interface{}, error) {
	conn, err := net.Dial("tcp4", core)
	if err != nil {
		return nil, fmt.Errorf("net.Dial failed: %w", err)
	}
	defer conn.Close()

	if err := msg.Send(conn, body); err != nil {
		return nil, fmt.Errorf("msg.Send failed: %w", err)
	}

	raw, err := msg.Receive(conn)
	if err != nil {
		return nil, fmt.Errorf("msg.Receive failed: %w", err)
	}
	return raw, nil
}

// push sends one message and checks the ack quietly. Used on hot paths
// where a log line per message would drown everything.
func push(core string, body interface{}) error {
	raw, err := request(core, body)
	if err != nil {
		return err
	}

	ack, ok := raw.(*msg.AcknowledgedMessage)
	if !ok {
		return fmt.Errorf("unexpected message: %v", raw)
	}
	if ack.Status != "OK" {
		return fmt.Errorf("core rejected: %v", ack.Detail)
	}
	return nil
}

// acknowledge is push plus the ack log line, for one-off admin verbs.
func acknowledge(core string, body interface{}) error {
	raw, err := request(core, body)
	if err != nil {
		return err
	}

	ack, ok := raw.(*msg.AcknowledgedMessage)
	if !ok {
		return fmt.Errorf("unexpected message: %v", raw)
	}

	log.Infof("[%v] core -> %v", ack.Status, ack.Detail)
	if ack.Status != "OK" {
		return fmt.Errorf("core rejected: %v", ack.Detail)
	}
	return nil
}

func fetchStatus(core string, refresh bool) (*msg.StatusResponse, error) {
	raw, err := request(core, &msg.StatusRequest{Refresh: refresh})
	if err != nil {
		return nil, err
	}

	resp, ok := raw.(*msg.StatusResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected message: %v", raw)
	}
	return resp, nil
}
