package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/autopeer-io/rovpilot/pkg/log"
)

const frameBuffer = 64

// NodeOpener opens gomavlib UDP server nodes speaking the common dialect.
type NodeOpener struct {
	// SystemID is the MAVLink system id of outgoing messages.
	SystemID uint8
	// HeartbeatPeriod of the ground station heartbeat. Zero keeps the library default.
	HeartbeatPeriod time.Duration
}

var _ Opener = (*NodeOpener)(nil)

func (o *NodeOpener) Open(ctx context.Context, endpoint string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPServer{Address: endpoint},
		},
		Dialect:         common.Dialect,
		OutVersion:      gomavlib.V2,
		OutSystemID:     o.SystemID,
		HeartbeatPeriod: o.HeartbeatPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("create mavlink node on %s: %w", endpoint, err)
	}

	t := &nodeTransport{
		node:   node,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan struct{}),
		logger: log.WithName("link").WithValues("endpoint", endpoint),
	}
	go t.pump()

	t.logger.Info("MAVLink endpoint opened")
	return t, nil
}

type nodeTransport struct {
	node   *gomavlib.Node
	frames chan Frame
	done   chan struct{}
	once   sync.Once
	logger log.Logger
}

// pump forwards node events until the node is closed.
func (t *nodeTransport) pump() {
	defer close(t.frames)

	for evt := range t.node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			select {
			case t.frames <- Frame{SystemID: e.SystemID(), ComponentID: e.ComponentID(), Message: e.Message()}:
			case <-t.done:
				return
			}
		case *gomavlib.EventChannelOpen:
			t.logger.Info("MAVLink channel opened", "channel", e.Channel.String())
		case *gomavlib.EventChannelClose:
			t.logger.Info("MAVLink channel closed", "channel", e.Channel.String())
		case *gomavlib.EventParseError:
			t.logger.Debug("Discarding malformed MAVLink frame", "error", e.Error)
		}
	}
}

func (t *nodeTransport) Frames() <-chan Frame { return t.frames }

func (t *nodeTransport) Send(msg message.Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.node.WriteMessageAll(msg)
}

func (t *nodeTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.node.Close()
		t.logger.Info("MAVLink endpoint closed")
	})
	return nil
}
